package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/pool"
	"github.com/nvandessel/reverie/internal/store"
)

// Manager serves live instances by sim code to the HTTP and MCP
// boundaries. Instances are created on first use and evicted least recently
// used first.
type Manager struct {
	launcher *Launcher
	pool     *pool.Pool[*Instance]
	logger   *slog.Logger
}

// NewManager wraps l with a pool configured by cfg.
func NewManager(l *Launcher, cfg pool.Config) *Manager {
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = l.ShutdownTimeout
	}
	return &Manager{launcher: l, pool: pool.New[*Instance](cfg), logger: logger}
}

// Start forks template into cfg.SimCode. A live instance of the same sim
// code is shut down first. The fork and any start-up LLM calls run without
// the pool lock, so other sessions stay responsive.
func (m *Manager) Start(ctx context.Context, template string, cfg Config) (*Instance, error) {
	if err := store.ValidateSimCode(cfg.SimCode); err != nil {
		return nil, err
	}
	if m.pool.Remove(cfg.SimCode) {
		m.logger.Info("replaced live simulation", "sim", cfg.SimCode)
	}
	return m.pool.Replace(cfg.SimCode, func() (*Instance, error) {
		return m.launcher.Start(ctx, template, cfg)
	})
}

// Instance returns the live instance of sim, resuming it from the store
// when it is not loaded or has terminated.
func (m *Manager) Instance(ctx context.Context, sim string) (*Instance, error) {
	if err := store.ValidateSimCode(sim); err != nil {
		return nil, err
	}
	if in, ok := m.pool.Get(sim); ok {
		if in.Sim.State() != StateTerminating {
			in.Touch()
			return in, nil
		}
		m.pool.Remove(sim)
	}
	in, err := m.pool.GetOrCreate(sim, func() (*Instance, error) {
		return m.launcher.Resume(ctx, sim)
	})
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", sim, err)
	}
	in.Touch()
	return in, nil
}

// Lookup returns the live instance of sim without resuming it.
func (m *Manager) Lookup(sim string) (*Instance, bool) {
	return m.pool.Get(sim)
}

// Stop shuts the live instance of sim down without saving.
func (m *Manager) Stop(sim string) bool {
	return m.pool.Remove(sim)
}

// Len is the number of live instances.
func (m *Manager) Len() int { return m.pool.Len() }

// Templates lists every stored simulation.
func (m *Manager) Templates(ctx context.Context) ([]store.Meta, error) {
	return m.launcher.Store.List(ctx)
}

// Template loads a stored simulation.
func (m *Manager) Template(ctx context.Context, sim string) (*store.Snapshot, error) {
	if err := store.ValidateSimCode(sim); err != nil {
		return nil, err
	}
	return m.launcher.Store.Load(ctx, sim)
}

// Close shuts every live instance down.
func (m *Manager) Close() error {
	return m.pool.CloseAll()
}
