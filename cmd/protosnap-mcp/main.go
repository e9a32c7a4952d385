package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/protosnap/protosnap/internal/config"
	"github.com/protosnap/protosnap/internal/mcpserver"
	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

const instructions = "Tools read an in-memory snapshot of ProtoPedia prototypes. " +
	"Use snapshot_stats to check freshness and refresh_snapshot to fetch again."

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file; empty uses built-in defaults")
	flag.Parse()

	// stdout carries the MCP stream; logs go to stderr.
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New[types.Prototype](store.Config{
		TTL:              cfg.Snapshot.TTL,
		MaxDataSizeBytes: cfg.Snapshot.MaxDataSizeBytes,
	}, store.WithLogger[types.Prototype](logger))
	if err != nil {
		logger.Error("failed to create snapshot store", "err", err)
		os.Exit(1)
	}

	client := upstream.NewClient(cfg.Upstream, upstream.WithLogger(logger))
	repo := repository.New(st, client.Fetch,
		repository.WithDefaults(upstream.ParamsFromConfig(cfg.Snapshot.Defaults)),
		repository.WithLogger(logger),
	)
	if _, err := repo.SetupSnapshot(ctx, upstream.ListParams{}); err != nil {
		logger.Warn("initial snapshot failed; tools will see an empty snapshot until refresh_snapshot succeeds", "err", err)
	}
	if cfg.Refresh.Enabled {
		go refresher.New(repo, cfg.Refresh, refresher.WithLogger(logger)).Run(ctx)
	}

	server := mcpserver.New(repo, mcpserver.Options{
		Implementation: &mcp.Implementation{Name: "protosnap", Version: "v1.0.0"},
		Instructions:   instructions,
		Logger:         logger,
	})
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logger.Error("mcp server stopped", "err", err)
		os.Exit(1)
	}
}
