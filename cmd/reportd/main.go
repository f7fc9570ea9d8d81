// Reportd is the collaborative weekly report daemon.
//
// It serves the versioned reports API and the presence websocket used by
// report editors for autosave and real-time "who is editing" display.
//
// Configuration is loaded from ~/.config/reportd/config.yaml with environment
// variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	reportd serve
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 STORE_PATH=/var/lib/reportd reportd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/config"
	httpserver "github.com/fyrsmithlabs/reportd/internal/http"
	"github.com/fyrsmithlabs/reportd/internal/logging"
	"github.com/fyrsmithlabs/reportd/internal/presence"
	"github.com/fyrsmithlabs/reportd/internal/store"
	"github.com/fyrsmithlabs/reportd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "Collaborative weekly report daemon",
	Long: `reportd serves the versioned weekly report API and the presence
websocket used by report editors for autosave and conflict handling.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reportd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reportd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/reportd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Install the metric provider (must precede every otel.Meter call)
//  4. Open the report store
//  5. Start the presence hub (and the NATS bridge when configured)
//  6. Start the HTTP server
//  7. Graceful shutdown on context cancellation
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting reportd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_path", cfg.Store.Path),
	)

	tel, err := telemetry.New("reportd", version, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	st, err := store.OpenSQLite(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer st.Close()

	hub := presence.NewHub(&presence.HubConfig{
		StaleAfter:    cfg.Presence.StaleAfter,
		SweepInterval: cfg.Presence.HeartbeatInterval,
	}, logger)
	st.SetNotifier(hub)
	go hub.Run(ctx)

	if cfg.Presence.NATSURL != "" {
		bridge, err := presence.NewBridge(hub, cfg.Presence.NATSURL, cfg.Presence.NATSSubject, logger)
		if err != nil {
			return fmt.Errorf("failed to start presence bridge: %w", err)
		}
		defer bridge.Close()
	}

	srv, err := httpserver.NewServer(st, hub, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
