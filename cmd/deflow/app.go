package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/deflow/internal/billing"
	"github.com/rendis/deflow/internal/engine"
	"github.com/rendis/deflow/internal/logging"
	"github.com/rendis/deflow/internal/nodes"
	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/internal/scheduler"
	"github.com/rendis/deflow/internal/store"
	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/pkg/schema"
)

// app is the wired process: engine, stores and background services.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	engine    *engine.Engine
	store     *store.MemoryStore
	archive   *store.LibSQLArchive // nil without db_path
	hub       *streaming.MemoryHub
	scheduler *scheduler.Scheduler
}

// newLogger builds the process logger on w. Logs go to stderr so stdout
// stays free for command output and the MCP stdio transport.
func newLogger(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	return logging.NewLeveled(w, level, cfg.LogFormat == "json"), level
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg Config, logw io.Writer) (*app, error) {
	logger, level := newLogger(logw, cfg)
	a := &app{cfg: cfg, logger: logger, level: level, hub: streaming.NewMemoryHub()}

	memCfg := store.MemoryConfig{
		MaxRetained: cfg.Retention.Max,
		TTL:         cfg.Retention.TTL,
		Logger:      logger,
	}
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		archive, err := store.NewLibSQLArchive(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := archive.Migrate(ctx); err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		a.archive = archive
		memCfg.Archive = archive
	}

	mem, err := store.NewMemoryStore(memCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = mem

	data, err := dataService(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		PoolSize:     cfg.PoolSize,
		NodeTimeout:  cfg.NodeTimeout,
		MaxDepth:     cfg.MaxDepth,
		JoinMode:     engine.JoinMode(cfg.JoinMode),
		EnforceTiers: cfg.EnforceTiers,
		Logger:       logger,
	}, engine.Deps{
		Nodes:         nodes.Deps{Data: data, Logger: logger},
		Subscriptions: billing.NewStaticSubscriptions(schema.SubscriptionTier(cfg.DefaultTier)),
		Store:         mem,
		Hub:           a.hub,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng

	a.scheduler = scheduler.NewScheduler(eng, scheduler.Config{
		Interval: cfg.Scheduler.Interval,
		Logger:   logger,
	})
	return a, nil
}

// dataService picks the REST provider when protocol.base_url is set and
// the deterministic static provider otherwise.
func dataService(cfg Config, logger *slog.Logger) (protocol.DataService, error) {
	if cfg.Protocol.BaseURL == "" {
		return protocol.NewStaticProvider(), nil
	}
	return protocol.NewHTTPProvider(protocol.HTTPConfig{
		BaseURL: cfg.Protocol.BaseURL,
		Timeout: cfg.Protocol.Timeout,
		APIKey:  cfg.Protocol.APIKey,
		Retry:   protocol.DefaultRetryPolicy(),
	}, logger)
}

// Close stops background work and releases the archive.
func (a *app) Close() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Warn("stop scheduler", slog.Any("error", err))
		}
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("close archive", slog.Any("error", err))
		}
	}
}
