package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/nvrpanel/internal/controlplane"
	"github.com/fentz26/nvrpanel/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for remote status and control",
	Long: `Starts the nvrpanel API. Installs and container operations submitted over
HTTP run as background jobs; the status is re-derived periodically and
exported as Prometheus metrics on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from settings)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	addr := a.settings.API.Addr
	if listenAddr != "" {
		addr = listenAddr
	}

	sched := scheduler.New(a.pdr, &scheduler.Config{
		GlobalMax: a.settings.Scheduler.MaxConcurrent,
		ByLane:    a.settings.Scheduler.Lanes,
	}, logger)
	sched.Start()
	defer sched.Stop()

	sched.Every(a.settings.Scheduler.PollInterval, func(ctx context.Context) {
		if a.orch.Snapshot().Operation != "" {
			return
		}
		if _, err := a.orch.Status(ctx); err != nil {
			logger.Warn("status refresh failed", "error", err)
		}
	})

	service := controlplane.NewService(a.orch, sched, a.store, logger)
	server := controlplane.NewServer(service, a.store, addr, a.metrics.Handler())

	if _, err := a.orch.Status(cmd.Context()); err != nil {
		logger.Warn("initial status failed", "error", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-cmd.Context().Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	// Running operations are cancelled so their locks are released before exit.
	service.Cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
