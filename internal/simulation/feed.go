package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/store"
)

// MovementRecord is movement/<step>.json: what every persona does in one
// step.
type MovementRecord struct {
	Persona map[string]cognition.Movement `json:"persona"`
	Meta    MovementMeta                  `json:"meta"`
}

// MovementMeta is the meta block of a movement record.
type MovementMeta struct {
	CurrTime string `json:"curr_time"`
	Step     int    `json:"step"`
}

// PositionFeed exchanges positions with the environment of a spatial
// simulation. The environment reports where each persona stands before a
// step; the simulation answers with where they go next.
type PositionFeed interface {
	// Prime records the stored positions of step unless the environment
	// already reported them.
	Prime(step int, positions map[string]store.Position) error

	// Wait blocks until the positions of step are available.
	Wait(ctx context.Context, step int) (map[string]store.Position, error)

	// WriteMovement publishes the movement decided at step.
	WriteMovement(ctx context.Context, step int, rec MovementRecord) error

	Close() error
}

// ErrFeedClosed is returned by Wait once the feed is closed.
var ErrFeedClosed = errors.New("position feed closed")

// FeedOptions configures a FilePositionFeed.
type FeedOptions struct {
	// Poll re-checks for the environment file in case a watch event is
	// missed. Zero uses DefaultServerSleep.
	Poll time.Duration

	// AutoAdvance writes environment/<step+1>.json from each movement
	// record, so a simulation can run without a frontend.
	AutoAdvance bool

	// TempDir receives curr_sim_code.json and curr_step.json for frontends.
	TempDir string

	Logger *slog.Logger
}

// FilePositionFeed exchanges positions through the environment/ and
// movement/ folders of a simulation directory.
type FilePositionFeed struct {
	layout  store.Layout
	watcher *fsnotify.Watcher
	opts    FeedOptions
	logger  *slog.Logger

	// last is the most recent set of positions returned by Wait.
	last map[string]store.Position
}

// NewFilePositionFeed watches the environment folder of sim under root.
func NewFilePositionFeed(root, sim string, opts FeedOptions) (*FilePositionFeed, error) {
	if err := store.ValidateSimCode(sim); err != nil {
		return nil, err
	}
	if opts.Poll <= 0 {
		opts.Poll = constants.DefaultServerSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	layout := store.Layout{Root: root, Sim: sim}
	for _, dir := range []string{layout.EnvironmentDir(), layout.MovementDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(layout.EnvironmentDir()); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", layout.EnvironmentDir(), err)
	}
	f := &FilePositionFeed{layout: layout, watcher: w, opts: opts, logger: logger.With("sim", sim)}
	if opts.TempDir != "" {
		if err := writeFileJSON(filepath.Join(opts.TempDir, "curr_sim_code.json"), map[string]string{"sim_code": sim}); err != nil {
			logger.Warn("writing curr_sim_code.json", "error", err)
		}
	}
	return f, nil
}

// Prime writes environment/<step>.json when it does not exist yet. Without
// AutoAdvance an empty set is left for the frontend to report.
func (f *FilePositionFeed) Prime(step int, positions map[string]store.Position) error {
	path := f.layout.EnvironmentPath(step)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if len(positions) == 0 {
		if !f.opts.AutoAdvance {
			return nil
		}
		positions = map[string]store.Position{}
	}
	if err := writeFileJSON(path, positions); err != nil {
		return fmt.Errorf("writing environment %d: %w", step, err)
	}
	return nil
}

// Wait returns environment/<step>.json once it exists and parses. A file
// that is still being written is retried on the next change.
func (f *FilePositionFeed) Wait(ctx context.Context, step int) (map[string]store.Position, error) {
	path := f.layout.EnvironmentPath(step)
	poll := time.NewTicker(f.opts.Poll)
	defer poll.Stop()

	for {
		positions, err := readPositions(path)
		if err == nil {
			f.last = positions
			return positions, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Debug("environment file not ready", "path", path, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return nil, ErrFeedClosed
			}
			f.logger.Log(ctx, logging.LevelTrace, "environment change", "path", ev.Name, "op", ev.Op.String())
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil, ErrFeedClosed
			}
			f.logger.Warn("environment watcher error", "error", err)
		case <-poll.C:
		}
	}
}

func readPositions(path string) (map[string]store.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var positions map[string]store.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return positions, nil
}

// WriteMovement writes movement/<step>.json.
func (f *FilePositionFeed) WriteMovement(_ context.Context, step int, rec MovementRecord) error {
	if err := writeFileJSON(f.layout.MovementPath(step), rec); err != nil {
		return fmt.Errorf("writing movement %d: %w", step, err)
	}
	if f.opts.TempDir != "" {
		if err := writeFileJSON(filepath.Join(f.opts.TempDir, "curr_step.json"), map[string]int{"step": step + 1}); err != nil {
			f.logger.Warn("writing curr_step.json", "error", err)
		}
	}
	if !f.opts.AutoAdvance {
		return nil
	}

	next := make(map[string]store.Position, len(f.last))
	for name, pos := range f.last {
		next[name] = pos
	}
	for name, mv := range rec.Persona {
		if mv.Tile == nil {
			continue
		}
		pos := next[name]
		pos.X, pos.Y = mv.Tile.X(), mv.Tile.Y()
		next[name] = pos
	}
	if err := writeFileJSON(f.layout.EnvironmentPath(step+1), next); err != nil {
		return fmt.Errorf("writing environment %d: %w", step+1, err)
	}
	return nil
}

// Close stops watching.
func (f *FilePositionFeed) Close() error {
	return f.watcher.Close()
}

// writeFileJSON writes v to path through a temporary file so readers never
// see a partial document.
func writeFileJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
