package simulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/protocol"
)

// InstanceOptions configures an Instance.
type InstanceOptions struct {
	Logger *slog.Logger

	// Output also receives the text of print commands, e.g. os.Stdout for
	// the CLI.
	Output io.Writer

	// AssetsDir resolves relative load history paths.
	AssetsDir string

	// Handlers replace the default handler of a command kind.
	Handlers map[protocol.Kind]Handler
}

// Instance is a simulation with its command queue, interpreter goroutine
// and outbox. It satisfies pool.Instance.
type Instance struct {
	Sim     *Simulation
	Queue   *protocol.Queue
	Outbox  *protocol.Outbox
	Created time.Time

	logger     *slog.Logger
	output     io.Writer
	assetsDir  string
	handlers   map[protocol.Kind]Handler
	lastAccess atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInstance starts the interpreter of sim. outbox may be nil.
func NewInstance(sim *Simulation, outbox *protocol.Outbox, opts InstanceOptions) *Instance {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &Instance{
		Sim:       sim,
		Queue:     protocol.NewQueue(),
		Outbox:    outbox,
		Created:   time.Now(),
		logger:    logger.With("sim", sim.Code()),
		output:    opts.Output,
		assetsDir: opts.AssetsDir,
		handlers:  defaultHandlers(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for kind, h := range opts.Handlers {
		in.handlers[kind] = h
	}
	in.Touch()
	go in.loop(ctx)
	return in
}

// Submit queues command lines and payloads.
func (in *Instance) Submit(lines ...string) {
	in.Touch()
	in.Queue.Push(lines...)
}

// Touch records an access.
func (in *Instance) Touch() {
	in.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess is the time of the last Submit or Touch.
func (in *Instance) LastAccess() time.Time {
	return time.Unix(0, in.lastAccess.Load())
}

// Done is closed when the interpreter stops.
func (in *Instance) Done() <-chan struct{} {
	return in.done
}

// Shutdown stops the interpreter, waits up to timeout for it, then
// releases the simulation and closes the outbox. It does not save.
func (in *Instance) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = constants.DefaultShutdownTimeout
	}
	in.cancel()
	in.Queue.Close()

	var errs []error
	select {
	case <-in.done:
	case <-time.After(timeout):
		in.logger.Warn("interpreter did not stop in time", "timeout", timeout)
		errs = append(errs, fmt.Errorf("stopping interpreter: %w", context.DeadlineExceeded))
	}
	if err := in.Sim.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing simulation: %w", err))
	}
	if in.Outbox != nil {
		if err := in.Outbox.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
