package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aretw0/conductor/internal/cli"
	httpAdapter "github.com/aretw0/conductor/pkg/adapters/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Serves the session lifecycle as a JSON API, with a server-sent event stream on
/events and Prometheus metrics on /metrics. With --watch the catalog is reloaded
whenever one of its files changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigCtx := cli.NewSignalContext(cmd.Context())
		defer sigCtx.Cancel()

		env, err := cli.Setup(sigCtx, globalOptions(cmd))
		if err != nil {
			return err
		}
		defer env.Close()
		logger := env.Logger

		addr := env.Config.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		watch := env.Config.Catalog.Watch
		if cmd.Flags().Changed("watch") {
			watch, _ = cmd.Flags().GetBool("watch")
		}

		server := httpAdapter.NewServer(env.Runtime,
			httpAdapter.WithLogger(logger),
			httpAdapter.WithGatherer(prometheus.DefaultGatherer),
		)
		env.Runtime.Bus().Register("http.events", server.Streams)
		env.Runtime.StartJanitor(sigCtx, env.Config.Sessions.SweepInterval)

		if watch {
			go func() {
				if err := cli.WatchCatalog(sigCtx, env.Runtime, logger); err != nil {
					logger.Error("catalog watcher stopped", "err", err)
				}
			}()
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("http server listening", "addr", addr, "catalog", env.Config.Catalog.Paths)
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-sigCtx.Done():
			logger.Info("shutting down", "signal", sigCtx.Signal())

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("graceful shutdown did not complete", "err", err)
				return srv.Close()
			}
			logger.Info("server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().BoolP("watch", "w", false, "Reload the catalog on file changes (overrides catalog.watch)")
}
