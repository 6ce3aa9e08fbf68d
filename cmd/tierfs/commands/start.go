package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/marmos91/tierfs/internal/logger"
	"github.com/marmos91/tierfs/pkg/config"
	"github.com/marmos91/tierfs/pkg/metrics"
	"github.com/marmos91/tierfs/pkg/tiering"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the TierFS daemon",
	Long: `Start the TierFS daemon with the specified configuration.

The daemon opens every configured tier device, recovers allocator and inode
state from the write-entry log, and runs the background migration loop until
it receives SIGINT or SIGTERM.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/tierfs/config.yaml.

Examples:
  # Start with the default config
  tierfs start

  # Start with a custom config file
  tierfs start --config /etc/tierfs/config.yaml

  # Start with environment variable overrides
  TIERFS_LOGGING_LEVEL=DEBUG tierfs start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	svc, err := tiering.Mount(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}

	httpDone := make(chan error, 1)
	httpServer := newHTTPServer(cfg, svc)
	go func() {
		logger.Info("HTTP server listening", "address", cfg.Metrics.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpDone <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-httpDone:
		logger.Error("HTTP server failed", "error", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	if err := svc.Close(cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// newHTTPServer wires the daemon's observability surface: Prometheus
// metrics, a health probe, and the tier usage snapshot the stats command
// renders.
func newHTTPServer(cfg *config.Config, svc *tiering.Service) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{
			"status":   "ok",
			"service":  "tierfs",
			"version":  Version,
			"mount_id": svc.MountID.String(),
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, StatsResponse{
			MountID: svc.MountID.String(),
			Inodes:  svc.Inodes().Len(),
			Tiers:   svc.Stats(),
		})
	})

	return &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}
