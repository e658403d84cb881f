package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/s3filestore/internal/metrics"
	"github.com/bleepstore/s3filestore/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host            string
		port            int
		shutdownTimeout int
		ensureBucket    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file storage HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if shutdownTimeout != 0 {
				cfg.Server.ShutdownTimeout = shutdownTimeout
			}

			ctx := cmd.Context()
			store, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			if ensureBucket {
				if err := store.EnsureBucket(ctx); err != nil {
					return fmt.Errorf("failed to ensure bucket: %w", err)
				}
			}

			if cfg.Observability.Metrics {
				metrics.Register()
			}

			srv, err := server.New(cfg, store, slog.Default())
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

			// Start the server in a goroutine so we can handle shutdown signals.
			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				slog.Info("Received signal, shutting down")

				// Give in-flight requests time to complete.
				shutdownCtx, cancel := context.WithTimeout(context.Background(),
					time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
				defer cancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				slog.Info("Server stopped")
				return nil
			case err, ok := <-errCh:
				if ok && err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "override listening host (default: from config or 0.0.0.0)")
	cmd.Flags().IntVar(&port, "port", 0, "override listening port (default: from config or 9090)")
	cmd.Flags().IntVar(&shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	cmd.Flags().BoolVar(&ensureBucket, "ensure-bucket", false, "create the bucket on startup if it does not exist")
	return cmd
}
