package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/debugserver"
	"github.com/mducko/electric/internal/satellite"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the replication engine against the configured database and server",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	// 1. Signal handling.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "db_path", cfg.Database.Path, "server_url", cfg.Replication.ServerURL)

	auth, err := resolveAuth(cfg)
	if err != nil {
		return err
	}

	// 4. Load schema and open the session (migrations run as part of
	// opening the database).
	catalog, err := loadCatalog(schemaPath)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	reg := satellite.NewRegistry(nil)
	defer reg.Close()

	session, err := reg.Get(cfg.Database.Path, catalog, cfg.Replication, cfg.Backoff)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	// 5. Bind identity and start the snapshot/compaction timers.
	if err := session.Start(ctx, auth); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	slog.Info("session started", "client_id", session.ClientID())

	// 6. Optional debug/introspection HTTP surface.
	var debugSrv *http.Server
	if cfg.DebugServer.Enabled {
		addr := fmt.Sprintf(":%d", cfg.DebugServer.Port)
		debugSrv = &http.Server{
			Addr:    addr,
			Handler: debugserver.NewRouter(debugserver.NewHandler(reg, Version)),
		}
		go func() {
			slog.Info("debug server starting", "address", addr)
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("debug server error", "error", err)
			}
		}()
	}

	// 7. Drive the connection with unbounded retry until shutdown.
	connectCtx, connectCancel := context.WithCancel(ctx)
	defer connectCancel()
	go func() {
		if err := session.Connect(connectCtx, connctrl.AlwaysRetry); err != nil {
			slog.Warn("connect loop exited", "error", err)
		}
	}()

	// 8. Block until signal received.
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 9. Graceful shutdown sequence.
	connectCancel()
	session.Disconnect("shutting down")

	if debugSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("debug server shutdown error", "error", err)
		}
	}

	session.Stop()
	slog.Info("shutdown complete")
	return nil
}
