// Package pool keeps a bounded set of live instances keyed by id and shuts
// down the least recently used one when a new instance needs room.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/logging"
)

// Instance is anything the pool can shut down.
type Instance interface {
	Shutdown(timeout time.Duration) error
}

// Config configures a Pool.
type Config struct {
	MaxInstances    int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Pool is an LRU map of instances. It is safe for concurrent use.
type Pool[T Instance] struct {
	mu      sync.Mutex
	cache   *lru.Cache
	max     int
	timeout time.Duration
	logger  *slog.Logger
	flight  singleflight.Group

	// evicted collects entries removed by the cache while mu is held.
	evicted []T
}

// New returns an empty pool.
func New[T Instance](cfg Config) *Pool[T] {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = constants.DefaultMaxInstances
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p := &Pool[T]{
		cache:   lru.New(0),
		max:     cfg.MaxInstances,
		timeout: cfg.ShutdownTimeout,
		logger:  cfg.Logger,
	}
	p.cache.OnEvicted = func(key lru.Key, value any) {
		p.evicted = append(p.evicted, value.(T))
	}
	return p
}

// takeEvictedLocked hands over what the cache just dropped. The caller
// shuts it down after releasing mu.
func (p *Pool[T]) takeEvictedLocked() []T {
	out := p.evicted
	p.evicted = nil
	return out
}

func (p *Pool[T]) shutdown(insts []T) {
	for _, inst := range insts {
		if err := inst.Shutdown(p.timeout); err != nil {
			p.logger.Warn("instance shutdown failed", "error", err)
		}
	}
}

// GetOrCreate returns the instance of id, creating it when absent.
// Concurrent calls for one id share a single create, which runs without the
// pool lock held. At capacity the least recently used instance is shut down
// once the new one is admitted. A create error admits nothing.
func (p *Pool[T]) GetOrCreate(id string, create func() (T, error)) (T, error) {
	if inst, ok := p.Get(id); ok {
		return inst, nil
	}
	v, err, _ := p.flight.Do(id, func() (any, error) {
		if inst, ok := p.Get(id); ok {
			return inst, nil
		}
		inst, err := create()
		if err != nil {
			return nil, err
		}
		return p.admit(id, inst, false), nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Replace creates a fresh instance for id without the pool lock held and
// swaps it in, shutting down the instance it displaces.
func (p *Pool[T]) Replace(id string, create func() (T, error)) (T, error) {
	inst, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	return p.admit(id, inst, true), nil
}

// admit stores inst under id. Without replace an instance admitted in the
// meantime wins and inst is shut down instead.
func (p *Pool[T]) admit(id string, inst T, replace bool) T {
	p.mu.Lock()
	if v, ok := p.cache.Get(id); ok && !replace {
		p.mu.Unlock()
		p.shutdown([]T{inst})
		return v.(T)
	}
	p.cache.Remove(id)
	for p.cache.Len() >= p.max {
		p.cache.RemoveOldest()
		p.logger.Info("evicted least recently used instance", "capacity", p.max)
	}
	p.cache.Add(id, inst)
	evicted := p.takeEvictedLocked()
	p.mu.Unlock()

	p.shutdown(evicted)
	return inst
}

// Get returns the instance of id and marks it most recently used.
func (p *Pool[T]) Get(id string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache.Get(id)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Remove shuts down and drops the instance of id. It reports whether id was
// present.
func (p *Pool[T]) Remove(id string) bool {
	p.mu.Lock()
	if _, ok := p.cache.Get(id); !ok {
		p.mu.Unlock()
		return false
	}
	p.cache.Remove(id)
	evicted := p.takeEvictedLocked()
	p.mu.Unlock()

	p.shutdown(evicted)
	return true
}

// Len returns the number of live instances.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// CloseAll shuts every instance down concurrently and empties the pool.
func (p *Pool[T]) CloseAll() error {
	p.mu.Lock()
	p.cache.Clear()
	all := p.takeEvictedLocked()
	p.mu.Unlock()

	var g errgroup.Group
	for _, inst := range all {
		g.Go(func() error { return inst.Shutdown(p.timeout) })
	}
	return g.Wait()
}
