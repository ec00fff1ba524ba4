package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/vault-bridge/internal/mcpserver"
	"github.com/alexjbarnes/vault-bridge/internal/server"
	"github.com/alexjbarnes/vault-bridge/internal/watcher"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var errNothingToServe = errors.New("nothing to serve: set AUTO_SYNC, ENABLE_MCP or METRICS_ADDR")

// runServe runs the long-lived services until ctx is cancelled.
func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	separateMetrics := cfg.MetricsAddr != "" && (!cfg.EnableMCP || cfg.MetricsAddr != cfg.MCPListenAddr)

	if !cfg.AutoSync && !cfg.EnableMCP && !separateMetrics {
		return errNothingToServe
	}

	a.logger.Info("vault-bridge serving",
		slog.String("version", Version),
		slog.Bool("auto_sync", cfg.AutoSync),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.String("metrics", cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AutoSync {
		g.Go(func() error {
			return runWatcher(gctx, a)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a, !separateMetrics)
		})
	}

	if separateMetrics {
		g.Go(func() error {
			mux := server.NewMux(server.MuxConfig{Metrics: true})
			return server.ListenAndServe(gctx, cfg.MetricsAddr, mux, a.logger.With(slog.String("service", "metrics")))
		})
	}

	return g.Wait()
}

func runWatcher(ctx context.Context, a *app) error {
	vs, err := a.state.GetVault(a.cfg.VaultName)
	if err != nil {
		return fmt.Errorf("reading vault state: %w", err)
	}

	w := watcher.New(watcher.Config{
		Dir:      a.cfg.VaultDir,
		Interval: a.cfg.AutoSyncInterval,
		LastSync: vs.LastSyncAt,
		Logger:   a.logger.With(slog.String("service", "watcher")),
	}, a.bridge)

	return w.Run(ctx)
}

func runMCP(ctx context.Context, a *app, withMetrics bool) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "vault-bridge", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.bridge)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Metrics:    withMetrics,
	})

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Bool("metrics", withMetrics),
	)

	return server.ListenAndServe(ctx, a.cfg.MCPListenAddr, mux, mcpLogger)
}
