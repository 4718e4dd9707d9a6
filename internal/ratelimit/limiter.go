// Package ratelimit provides per-simulation token bucket rate limiting for
// the HTTP and MCP boundaries.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is returned by Check when a request is over its limit.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a token bucket per key. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // bucket size and initial tokens
	nowFunc func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter refilling rate tokens per second up to burst.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow takes a token from key's bucket if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+l.rate*elapsed, float64(l.burst))
		b.lastCheck = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops key's bucket, e.g. when its simulation is evicted.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Action classes share a limiter across simulations but keep one bucket per
// simulation.
const (
	ActionStart   = "start"
	ActionCommand = "command"
	ActionRun     = "run"
	ActionChat    = "chat"
	ActionPublish = "publish"
	ActionRead    = "read"
)

// Limits maps action classes to limiters.
type Limits map[string]*Limiter

// NewLimits derives the per-action limits from the configured sustained
// rate and burst. Starting a simulation and running ticks are the costly
// actions; status reads are cheap.
func NewLimits(rate float64, burst int) Limits {
	if rate <= 0 || burst <= 0 {
		return Limits{}
	}
	return Limits{
		ActionStart:   NewLimiter(rate/20, max(burst/10, 1)),
		ActionCommand: NewLimiter(rate, burst),
		ActionRun:     NewLimiter(rate/4, max(burst/4, 1)),
		ActionChat:    NewLimiter(rate/2, max(burst/2, 1)),
		ActionPublish: NewLimiter(rate/2, max(burst/2, 1)),
		ActionRead:    NewLimiter(rate*4, burst*4),
	}
}

// Check takes a token for action on sim. Actions without a limiter are
// always allowed.
func (ls Limits) Check(action, sim string) error {
	l, ok := ls[action]
	if !ok {
		return nil
	}
	if !l.Allow(sim) {
		return fmt.Errorf("%w: %s on %s, try again shortly", ErrLimited, action, sim)
	}
	return nil
}

// Forget drops sim's buckets in every limiter.
func (ls Limits) Forget(sim string) {
	for _, l := range ls {
		l.Forget(sim)
	}
}
