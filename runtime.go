package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"robustagent/internal/config"
	"robustagent/internal/guardrails"
	"robustagent/internal/mcpclient"
	"robustagent/internal/memory"
	"robustagent/internal/observability"
	"robustagent/internal/pipeline"
	"robustagent/internal/redis"
	"robustagent/internal/service/ai"
	"robustagent/internal/storage"
	"robustagent/internal/toolserver"
	"robustagent/internal/tools"
)

// memoryLayer is the opened database plus the history built on it.
type memoryLayer struct {
	db      *sql.DB
	cache   *redis.Client
	store   *memory.Store
	history memory.History
}

func openMemory(cfg *config.Config, logger *zap.Logger) (*memoryLayer, error) {
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, err
	}
	store, err := memory.NewStore(db,
		memory.WithWindowSize(cfg.Memory.WindowSize),
		memory.WithLogger(logger.Named("memory")),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := &memoryLayer{db: db, store: store, history: store}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		m.cache = rdb
		m.history = memory.NewCachedStore(store, rdb, cfg.Redis.TTL, logger.Named("cache"))
	}
	return m, nil
}

func (m *memoryLayer) Close() error {
	var errs []error
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	errs = append(errs, m.db.Close())
	return errors.Join(errs...)
}

// agentRuntime owns everything a turn needs. One instance per process.
type agentRuntime struct {
	*memoryLayer
	toolClient      *mcpclient.Client
	registry        *tools.Registry
	pipeline        *pipeline.Pipeline
	shutdownTracing func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agentRuntime, error) {
	shutdown, err := observability.InitTracing(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return nil, err
	}
	rt := &agentRuntime{shutdownTracing: shutdown}

	rt.memoryLayer, err = openMemory(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rules, err := guardrails.LoadRules(cfg.Guardrails.RulesFile)
	if err != nil {
		rt.Close()
		return nil, err
	}
	guard, err := guardrails.New(rules)
	if err != nil {
		rt.Close()
		return nil, err
	}

	dial, err := toolDialer(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.toolClient = mcpclient.New(dial,
		mcpclient.WithLogger(logger.Named("mcp")),
		mcpclient.WithExpectedTools(tools.RemoteToolNames()...),
	)
	rt.registry, err = tools.NewDefaultRegistry(ctx, rt.toolClient, cfg.ToolTimeout, logger.Named("tools"))
	if err != nil {
		rt.Close()
		return nil, err
	}

	chat, err := ai.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.pipeline, err = pipeline.New(ctx, chat, rt.history, guard, rt.registry,
		pipeline.WithPrompts(cfg.Prompts),
		pipeline.WithTemperature(cfg.LLM.Temperature),
		pipeline.WithMaxToolRounds(cfg.Pipeline.MaxToolRounds),
		pipeline.WithRetry(cfg.LLM.MaxRetries, 0),
		pipeline.WithRateLimit(cfg.LLM.RequestsPerSecond),
		pipeline.WithLogger(logger.Named("pipeline")),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// toolDialer picks how remote tools are reached: in process, a configured
// command, or this binary's own toolserver subcommand over stdio.
func toolDialer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (mcpclient.Dialer, error) {
	if cfg.Tools.InProcess {
		srv, err := toolserver.New(ctx, toolServerOptions(cfg, logger))
		if err != nil {
			return nil, err
		}
		return mcpclient.InProcessDialer(srv.MCP()), nil
	}

	command, args := cfg.Tools.ServerCommand, cfg.Tools.ServerArgs
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		command = exe
		args = []string{"toolserver"}
		if cfg.File != "" {
			args = append(args, "--config", cfg.File)
		}
	}
	return mcpclient.StdioDialer(command, args, nil), nil
}

func toolServerOptions(cfg *config.Config, logger *zap.Logger) toolserver.Options {
	return toolserver.Options{
		QuoteBaseURL:         cfg.Tools.QuoteBaseURL,
		GoogleAPIKey:         cfg.Tools.GoogleAPIKey,
		GoogleSearchEngineID: cfg.Tools.GoogleCX,
		Logger:               logger.Named("toolserver"),
	}
}

func (rt *agentRuntime) Close() error {
	var errs []error
	if rt.toolClient != nil {
		errs = append(errs, rt.toolClient.Close())
	}
	if rt.memoryLayer != nil {
		errs = append(errs, rt.memoryLayer.Close())
	}
	if rt.shutdownTracing != nil {
		errs = append(errs, rt.shutdownTracing(context.Background()))
	}
	return errors.Join(errs...)
}
