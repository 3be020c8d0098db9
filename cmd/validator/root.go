package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flockoff/validator/internal/config"
	"github.com/flockoff/validator/pkg/logger"
)

// env carries what every sub-command needs after the root has initialised.
type env struct {
	cfg *config.Config
	log logger.Logger
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		e          env
	)

	root := &cobra.Command{
		Use:           "validator",
		Short:         "Dataset validator",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				if err := os.Setenv(config.FileEnv, configPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			if err := logger.InitWithFormat(logger.Format(cfg.LogFormat)); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			if err := logger.SetLevelString(cfg.LogLevel); err != nil {
				logger.Get().Warn(cmd.Context(), "invalid log_level; falling back to info",
					logger.String("log_level", cfg.LogLevel), logger.Error(err))
				_ = logger.SetLevelString("info")
			}
			e.cfg = cfg
			e.log = logger.Get()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (overrides "+config.FileEnv+")")

	for _, f := range []func(*env) *cobra.Command{
		newRunCmd,
		newWinnersCmd,
		newSubmitCmd,
	} {
		root.AddCommand(f(&e))
	}
	return root
}
