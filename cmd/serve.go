package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var dashboard bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("dashboard") {
				cfg.Server.Dashboard = dashboard
			}

			var logs *logBuffer
			if cfg.Server.Dashboard {
				// The dashboard owns the terminal; logs go to its logs view.
				logs = &logBuffer{}
				log.SetOutput(logs)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := NewServer(ctx, cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			if cfg.Server.Dashboard {
				p := tea.NewProgram(newDashboard(server.Engine(), logs, time.Now),
					tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
				go func() {
					if _, err := p.Run(); err != nil && ctx.Err() == nil {
						log.Error("Dashboard stopped", "err", err)
					}
					stop()
				}()
			}

			select {
			case <-ctx.Done():
				log.Info("Shutdown signal received")
			case err = <-errCh:
				if err != nil {
					log.Error("Server error", "err", err)
				}
			}
			log.SetOutput(os.Stderr)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				log.Error("Server forced to shutdown", "err", serr)
				if err == nil {
					err = serr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "show the terminal dashboard of running sessions")
	return cmd
}
