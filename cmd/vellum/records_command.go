package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/model"
	"github.com/0necontroller/vellum/internal/store"
	"github.com/0necontroller/vellum/pkg/apperr"
)

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and manage upload records",
	}
	cmd.AddCommand(newRecordsListCommand(ctx))
	cmd.AddCommand(newRecordsGetCommand(ctx))
	cmd.AddCommand(newRecordsDeleteCommand(ctx))
	return cmd
}

func newRecordsListCommand(ctx *commandContext) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upload records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				records, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					if status != "" && string(rec.Status) != status {
						continue
					}
					rows = append(rows, recordRow(rec))
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No upload records")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Filename", "Status", "Progress", "Callback", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show records in this status")
	return cmd
}

func recordRow(rec *model.UploadRecord) []string {
	callback := "-"
	if rec.HasCallback() {
		callback = fmt.Sprintf("%s (%d)", rec.CallbackStatus, rec.CallbackRetryCount)
	}
	return []string{
		rec.ID,
		rec.Filename,
		string(rec.Status),
		strconv.Itoa(rec.Progress) + "%",
		callback,
		rec.CreatedAt.Local().Format(time.DateTime),
	}
}

func newRecordsGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one upload record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return apperr.NotFound("get upload", args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	}
}

func newRecordsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an upload record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				removed, err := st.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return apperr.NotFound("delete upload", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}
