package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Martin-Hayot/auction-engine/configs"
)

type rootOptions struct {
	configDir string
	logLevel  string
	cfg       *configs.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "auctiond",
		Short:         "Live auction session engine",
		Long:          "Runs timed auction sessions, arbitrates bids and streams session events to websocket viewers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configs.Load(opts.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Server.LogLevel = opts.logLevel
			}
			setupLogger(cfg)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "./configs", "directory holding config.yaml and .env")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.logLevel (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func setupLogger(cfg *configs.Config) {
	level := cfg.Server.LogLevel
	if level == "" {
		level = "info"
	}
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		log.Error("Invalid log level, using info", "level", level, "err", err)
		logLevel = log.InfoLevel
	}
	log.SetLevel(logLevel)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.TimeOnly)
	if cfg.IsProduction() {
		log.SetFormatter(log.JSONFormatter)
	}
}
