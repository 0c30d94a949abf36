package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/service"
	"github.com/0necontroller/vellum/internal/store"
)

func newCallbacksCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Manage webhook delivery",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Retry pending webhook deliveries once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := ctx.logger("vellum-cli", true)
			return ctx.withStore(func(cfg *config.Config, st *store.Store) error {
				callbacks := service.NewCallbackService(st, service.CallbackConfig{
					Timeout: cfg.Callback.Timeout,
					Version: version,
				}, logger)
				res, err := callbacks.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d delivered=%d failed=%d\n", res.Candidates, res.Delivered, res.Failed)
				return nil
			})
		},
	})
	return cmd
}
