package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once a closed queue is drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of command lines. It is safe for any number of
// producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []string
	closed bool

	// wake holds a token while items may be waiting.
	wake chan struct{}
	done chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push appends lines. Pushing to a closed queue is a no-op.
func (q *Queue) Push(lines ...string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, lines...)
	q.mu.Unlock()
	q.signal()
}

// TryPop returns the oldest line without blocking.
func (q *Queue) TryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Peek returns the oldest line without removing it.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

func (q *Queue) popLocked() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	line := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return line, true
}

// Pop blocks until a line is available, ctx is done or the queue is closed
// and empty.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		line, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()
		switch {
		case ok:
			return line, nil
		case closed:
			return "", ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		case <-q.done:
		}
	}
}

// Len returns the number of waiting lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every consumer. Lines already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
