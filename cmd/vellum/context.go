package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/0necontroller/vellum/internal/config"
	"github.com/0necontroller/vellum/internal/logging"
	"github.com/0necontroller/vellum/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger builds the process logger. Admin commands log to stderr so their
// stdout stays machine readable.
func (c *commandContext) logger(service string, stderr bool) zerolog.Logger {
	cfg, _ := c.ensureConfig()
	opts := logging.Options{Service: service}
	if cfg != nil {
		opts.Level = cfg.Server.LogLevel
		opts.Format = cfg.Server.LogFormat
		if !stderr {
			opts.File = cfg.Server.LogFile
		}
	}
	if stderr {
		opts.Stdout = os.Stderr
	}
	return logging.Setup(opts)
}

func (c *commandContext) withStore(fn func(*config.Config, *store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer st.Close()
	return fn(cfg, st)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
