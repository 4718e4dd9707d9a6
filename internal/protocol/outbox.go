package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvandessel/reverie/internal/logging"
)

// Envelope types.
const (
	TypeLog          = "log"
	TypeChat         = "chat"
	TypeMovement     = "movement"
	TypeStatus       = "status"
	TypeAgentComment = "agent_comment"
)

// Envelope is one outbound message.
type Envelope struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

// Listener receives envelopes. A Send error removes the listener.
type Listener interface {
	Send(Envelope) error
	Close() error
}

// ListenerFunc adapts a function to a Listener with a no-op Close.
type ListenerFunc func(Envelope) error

func (f ListenerFunc) Send(e Envelope) error { return f(e) }
func (f ListenerFunc) Close() error          { return nil }

// DefaultRetryDelay is how long the outbox waits before retrying delivery
// when no listener took a message.
const DefaultRetryDelay = 100 * time.Millisecond

// Outbox fans envelopes out to the registered listeners from one sender
// goroutine. Messages are kept until at least one listener accepts them.
type Outbox struct {
	logger *slog.Logger
	ch     chan Envelope
	retry  time.Duration

	mu        sync.Mutex
	listeners map[string]Listener
	wake      chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ logging.Publisher = (*Outbox)(nil)

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithRetryDelay sets the delay between delivery attempts when nobody
// listens.
func WithRetryDelay(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.retry = d }
}

// NewOutbox starts an outbox whose channel buffers size envelopes.
func NewOutbox(logger *slog.Logger, size int, opts ...OutboxOption) *Outbox {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		logger:    logger,
		ch:        make(chan Envelope, max(size, 1)),
		retry:     DefaultRetryDelay,
		listeners: make(map[string]Listener),
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.run(ctx)
	return o
}

// Publish queues a message. It is dropped only once the outbox is closed.
func (o *Outbox) Publish(kind string, message any) {
	select {
	case <-o.done:
		return
	default:
	}
	select {
	case o.ch <- Envelope{Type: kind, Message: message}:
	case <-o.done:
	}
}

// Register adds a listener and returns its id.
func (o *Outbox) Register(l Listener) string {
	id := uuid.NewString()
	o.mu.Lock()
	o.listeners[id] = l
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return id
}

// Unregister removes and closes a listener.
func (o *Outbox) Unregister(id string) {
	o.mu.Lock()
	l, ok := o.listeners[id]
	delete(o.listeners, id)
	o.mu.Unlock()
	if ok {
		_ = l.Close()
	}
}

// Listeners returns the number of registered listeners.
func (o *Outbox) Listeners() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.listeners)
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	var pending []Envelope
	for {
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return
			case env := <-o.ch:
				pending = append(pending, env)
			}
		}
		if o.deliver(pending[0]) {
			pending[0] = Envelope{}
			pending = pending[1:]
			continue
		}

		timer := time.NewTimer(o.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case env := <-o.ch:
			pending = append(pending, env)
		case <-o.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// deliver sends env to every listener and prunes the failing ones. It
// reports whether any listener took it.
func (o *Outbox) deliver(env Envelope) bool {
	o.mu.Lock()
	targets := make(map[string]Listener, len(o.listeners))
	for id, l := range o.listeners {
		targets[id] = l
	}
	o.mu.Unlock()

	delivered := false
	for id, l := range targets {
		if err := l.Send(env); err != nil {
			o.logger.Debug("pruning listener", "listener", id, "error", err)
			o.Unregister(id)
			continue
		}
		delivered = true
	}
	return delivered
}

// Close stops the sender, waits up to timeout for it and closes every
// listener. Undelivered messages are dropped.
func (o *Outbox) Close(timeout time.Duration) error {
	var err error
	o.closeOnce.Do(func() {
		o.cancel()
		select {
		case <-o.done:
		case <-time.After(timeout):
			o.logger.Warn("outbox sender did not stop in time", "timeout", timeout)
			err = fmt.Errorf("closing outbox: %w", context.DeadlineExceeded)
		}
		o.mu.Lock()
		listeners := o.listeners
		o.listeners = make(map[string]Listener)
		o.mu.Unlock()
		for _, l := range listeners {
			_ = l.Close()
		}
	})
	return err
}
