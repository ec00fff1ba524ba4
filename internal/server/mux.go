// Package server provides HTTP server construction for vault-bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/vault-bridge/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// MCPHandler serves /mcp. Nil leaves the route out.
	MCPHandler http.Handler

	// Metrics adds /metrics.
	Metrics bool
}

// NewMux builds the HTTP mux with the MCP endpoint, the Prometheus
// endpoint and a liveness probe.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", cfg.MCPHandler)
	}

	if cfg.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return mux
}

// ListenAndServe runs an HTTP server on addr until ctx is cancelled,
// then shuts it down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server", slog.String("listen", addr))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting HTTP server", slog.String("listen", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
