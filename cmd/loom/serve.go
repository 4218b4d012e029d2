package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loom-run/loom/internal/config"
	"github.com/loom-run/loom/internal/events"
	"github.com/loom-run/loom/internal/observability"
	"github.com/loom-run/loom/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workflow HTTP server",
	Long: `Serve exposes the registered workflows over HTTP:

  POST /workflows/{id}/run      execute a workflow synchronously
  POST /workflows/{id}/stream   execute with a live SSE event stream
  POST /runs/{runId}/resume     feed human input into a suspended run
  GET  /runs/{runId}            latest known result of a run
  GET  /workflows               registered workflow ids`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stderr, cfg.Logging)

	ctx := cmd.Context()
	provider, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownTracing(shutdownCtx, provider); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	bus := events.NewBus(events.WithDefaultBufferSize(cfg.Engine.EventBufferSize))
	defer bus.Close()

	workflows, err := builtinWorkflows(logger)
	if err != nil {
		return err
	}

	srv := server.New(*cfg, workflows,
		server.WithLogger(logger),
		server.WithTelemetry(observability.NewTraceTelemetry(provider)),
		server.WithBus(bus),
	)
	defer srv.Close()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
