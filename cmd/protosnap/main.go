package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/protosnap/protosnap/internal/api"
	"github.com/protosnap/protosnap/internal/config"
	"github.com/protosnap/protosnap/internal/metrics"
	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/telemetry"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/internal/ws"
	"github.com/protosnap/protosnap/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file; empty uses built-in defaults")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	logger := newLogger(os.Stdout, cfg.Log.Format, level)
	slog.SetDefault(logger)

	slog.Info("protosnap starting",
		"config", *configPath,
		"addr", cfg.HTTP.Addr,
		"upstream", cfg.Upstream.BaseURL,
		"snapshot_ttl", cfg.Snapshot.TTL,
		"refresh_enabled", cfg.Refresh.Enabled,
	)
	if cfg.Upstream.Token() == "" {
		slog.Warn("upstream token not set", "env", cfg.Upstream.TokenEnv)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		os.Exit(1)
	}

	st, err := store.New[types.Prototype](store.Config{
		TTL:              cfg.Snapshot.TTL,
		MaxDataSizeBytes: cfg.Snapshot.MaxDataSizeBytes,
	}, store.WithLogger[types.Prototype](logger))
	if err != nil {
		slog.Error("failed to create snapshot store", "err", err)
		os.Exit(1)
	}

	client := upstream.NewClient(cfg.Upstream, upstream.WithLogger(logger))
	repo := repository.New(st, client.Fetch,
		repository.WithDefaults(upstream.ParamsFromConfig(cfg.Snapshot.Defaults)),
		repository.WithLogger(logger),
	)

	// A failed first fetch is not fatal: reads serve an empty snapshot and
	// the refresher retries with backoff.
	if stats, err := repo.SetupSnapshot(ctx, upstream.ListParams{}); err != nil {
		slog.Error("initial snapshot failed", "err", err)
	} else {
		slog.Info("initial snapshot ready", "size", stats.Size, "data_size_bytes", stats.DataSizeBytes)
	}

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithAuth(cfg.HTTP.Auth.Mode, cfg.HTTP.Auth.EffectiveHeader(), cfg.HTTP.Auth.Key()),
	}
	metricOpts := []metrics.Option{metrics.WithLogger(logger)}
	if cfg.Refresh.Enabled {
		ref := refresher.New(repo, cfg.Refresh, refresher.WithLogger(logger))
		go ref.Run(ctx)
		apiOpts = append(apiOpts, api.WithRefresherStatus(ref.Status))
		metricOpts = append(metricOpts, metrics.WithRefresherStatus(ref.Status))
	}

	// WebSocket hub: pushes snapshot stats to subscribers every WSInterval.
	hub := ws.New(repo, cfg.HTTP.WSInterval, ws.WithLogger(logger))
	go hub.Run(ctx)

	handler := api.New(repo, apiOpts...)
	handler.Mount("/ws/stream", hub)
	handler.Mount("/metrics", metrics.Handler(repo, metricOpts...))

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				level.Set(next.Log.SlogLevel())
				repo.SetDefaults(upstream.ParamsFromConfig(next.Snapshot.Defaults))
				slog.Info("config reloaded", "log_level", next.Log.Level)
			})
			if err != nil {
				slog.Error("config watch stopped", "err", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           otelhttp.NewHandler(handler, "protosnap"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("protosnap shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	shutdownTracing(shutdownCtx)  //nolint:errcheck
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
