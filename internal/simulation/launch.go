package simulation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/store"
)

// Launcher builds instances that share a store and an LLM client.
type Launcher struct {
	Store         store.Store
	Client        llm.Client
	Embedder      llm.Embedder
	InvokerConfig llm.InvokerConfig
	Logger        *slog.Logger

	// StorageRoot holds the environment/ and movement/ folders of spatial
	// simulations.
	StorageRoot string
	TempDir     string
	MazeDir     string
	AssetsDir   string

	BaseTemplates []string
	PlanningCycle int
	Seed          int64

	// Poll is the position feed's fallback poll interval.
	Poll time.Duration

	// AutoAdvance lets spatial simulations run without a frontend.
	AutoAdvance bool

	// Fanout tees info logs into the instance outbox as log envelopes.
	Fanout bool

	OutboxSize      int
	ShutdownTimeout time.Duration

	// Output receives print command text.
	Output io.Writer
}

// Start forks template into a new simulation and starts its interpreter.
// cfg.InitialRounds ticks are queued right away.
func (l *Launcher) Start(ctx context.Context, template string, cfg Config) (*Instance, error) {
	in, err := l.launch(func(deps Deps) (*Simulation, error) {
		return New(ctx, deps, template, cfg)
	})
	if err != nil {
		return nil, err
	}
	if cfg.InitialRounds > 0 {
		in.Submit(fmt.Sprintf("run %d", cfg.InitialRounds))
	}
	return in, nil
}

// Resume opens a stored simulation and starts its interpreter.
func (l *Launcher) Resume(ctx context.Context, sim string) (*Instance, error) {
	return l.launch(func(deps Deps) (*Simulation, error) {
		return Open(ctx, deps, sim)
	})
}

func (l *Launcher) launch(open func(Deps) (*Simulation, error)) (*Instance, error) {
	base := l.Logger
	if base == nil {
		base = logging.Discard()
	}
	size := l.OutboxSize
	if size <= 0 {
		size = constants.DefaultQueueSize
	}
	timeout := l.ShutdownTimeout
	if timeout <= 0 {
		timeout = constants.DefaultShutdownTimeout
	}
	outbox := protocol.NewOutbox(base, size)
	logger := base
	if l.Fanout {
		logger = slog.New(logging.NewFanoutHandler(base.Handler(), outbox, slog.LevelInfo))
	}

	deps := Deps{
		Store:         l.Store,
		Embedder:      l.Embedder,
		Logger:        logger,
		Outbox:        outbox,
		NewInvoker:    l.invokerFactory(logger),
		OpenFeed:      l.feedOpener(logger),
		MazeDir:       l.MazeDir,
		BaseTemplates: l.BaseTemplates,
		PlanningCycle: l.PlanningCycle,
		Seed:          l.Seed,
	}
	sim, err := open(deps)
	if err != nil {
		_ = outbox.Close(timeout)
		return nil, err
	}
	return NewInstance(sim, outbox, InstanceOptions{
		Logger:    logger,
		Output:    l.Output,
		AssetsDir: l.AssetsDir,
	}), nil
}

// invokerFactory merges a simulation's llm_config over the shared
// sampling parameters.
func (l *Launcher) invokerFactory(logger *slog.Logger) func(map[string]any) *llm.Invoker {
	return func(llmConfig map[string]any) *llm.Invoker {
		cfg := l.InvokerConfig
		cfg.Logger = logger
		if len(llmConfig) > 0 {
			cfg.Params = cfg.Params.Merge(llm.ParamsFromMap(llmConfig))
		}
		client := l.Client
		if client == nil {
			client = llm.NewFallbackClient()
		}
		return llm.NewInvoker(client, cfg)
	}
}

func (l *Launcher) feedOpener(logger *slog.Logger) func(string) (PositionFeed, error) {
	return func(sim string) (PositionFeed, error) {
		return NewFilePositionFeed(l.StorageRoot, sim, FeedOptions{
			Poll:        l.Poll,
			AutoAdvance: l.AutoAdvance,
			TempDir:     l.TempDir,
			Logger:      logger,
		})
	}
}
