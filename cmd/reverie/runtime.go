package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nvandessel/reverie/internal/config"
	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/pool"
	"github.com/nvandessel/reverie/internal/simulation"
	"github.com/nvandessel/reverie/internal/store"
)

// embeddingCacheSize bounds the shared embedding cache.
const embeddingCacheSize = 4096

// runtimeOptions vary the launcher between the CLI and the servers.
type runtimeOptions struct {
	// Output receives print command text. Must stay nil under MCP stdio.
	Output      io.Writer
	AutoAdvance bool
	Fanout      bool
}

// runtime owns everything a command needs to run simulations.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	callLog *logging.CallLog
	manager *simulation.Manager
}

// openStore opens the configured snapshot backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	s, err := store.Open(ctx, store.Options{
		Backend:       cfg.Storage.Backend,
		Root:          cfg.Storage.Path,
		SQLitePath:    cfg.SQLitePath(),
		MongoURI:      cfg.Storage.MongoURI,
		MongoDatabase: cfg.Storage.MongoDatabase,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ccfg := llm.ClientConfig{
		Provider:          cfg.LLM.Provider,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		EmbeddingProvider: cfg.LLM.EmbeddingProvider,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
		Timeout:           cfg.LLM.Timeout,
		LocalLibPath:      cfg.LLM.LocalLibPath,
		LocalModelPath:    cfg.LLM.LocalModelPath,
	}
	client, err := llm.NewClient(ctx, ccfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	embedder, err := llm.NewEmbedder(ctx, ccfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var callLog *logging.CallLog
	if cfg.Logging.CallLog != "" {
		callLog, err = logging.OpenCallLog(cfg.Logging.CallLog)
		if err != nil {
			logger.Warn("call log disabled", "error", err)
			callLog = nil
		}
	}

	launcher := &simulation.Launcher{
		Store:    s,
		Client:   client,
		Embedder: llm.NewCachingEmbedder(embedder, embeddingCacheSize),
		InvokerConfig: llm.InvokerConfig{
			Params: llm.Params{
				Model:            cfg.LLM.Model,
				Temperature:      cfg.LLM.Temperature,
				MaxTokens:        cfg.LLM.MaxTokens,
				TopP:             cfg.LLM.TopP,
				FrequencyPenalty: cfg.LLM.FrequencyPenalty,
				PresencePenalty:  cfg.LLM.PresencePenalty,
			},
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
			Logger:     logger,
			CallLog:    callLog,
		},
		Logger:          logger,
		StorageRoot:     cfg.Storage.Path,
		TempDir:         cfg.Storage.TempPath,
		MazeDir:         cfg.Simulation.MazeDir,
		AssetsDir:       cfg.Simulation.AssetsDir,
		BaseTemplates:   cfg.Simulation.BaseTemplates,
		PlanningCycle:   cfg.Simulation.PlanningCycle,
		Seed:            cfg.Simulation.Seed,
		Poll:            cfg.Simulation.ServerSleep,
		AutoAdvance:     opts.AutoAdvance,
		Fanout:          opts.Fanout,
		OutboxSize:      constants.DefaultQueueSize,
		ShutdownTimeout: cfg.Pool.ShutdownTimeout,
		Output:          opts.Output,
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   s,
		callLog: callLog,
		manager: simulation.NewManager(launcher, pool.Config{
			MaxInstances:    cfg.Pool.MaxInstances,
			ShutdownTimeout: cfg.Pool.ShutdownTimeout,
			Logger:          logger,
		}),
	}, nil
}

// Close stops every live simulation, then the store and call log.
func (r *runtime) Close() error {
	return errors.Join(r.manager.Close(), r.store.Close(), r.callLog.Close())
}
