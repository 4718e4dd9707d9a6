// Package store persists simulation snapshots. A snapshot is everything
// needed to resume a simulation: its meta record, every persona's working
// and long-term memory, the shared event feed and the tile positions at the
// saved step.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

var (
	// ErrNotFound is returned when a simulation or template does not exist.
	ErrNotFound = errors.New("simulation not found")

	// ErrInvalidSimCode is returned for empty or path-like sim codes.
	ErrInvalidSimCode = errors.New("invalid sim code")
)

// Simulation modes.
const (
	ModeOffline = "offline"
	ModeOnline  = "online"
)

// Meta is the reverie/meta.json record of a simulation.
type Meta struct {
	TemplateSimCode string         `json:"template_sim_code"`
	SimCode         string         `json:"sim_code,omitempty"`
	SimMode         string         `json:"sim_mode"`
	StartDate       string         `json:"start_date"`
	CurrTime        string         `json:"curr_time"`
	SecPerStep      int            `json:"sec_per_step"`
	Step            int            `json:"step"`
	MazeName        string         `json:"maze_name"`
	PersonaNames    []string       `json:"persona_names"`
	LLMConfig       map[string]any `json:"llm_config,omitempty"`
	Direction       string         `json:"direction,omitempty"`
	Protected       bool           `json:"protected,omitempty"`

	Planning *world.PlanningState `json:"planning,omitempty"`
}

// Start parses StartDate as midnight of that day.
func (m Meta) Start() (time.Time, error) {
	t, err := time.Parse(constants.DateLayout, m.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_date %q: %w", m.StartDate, err)
	}
	return t, nil
}

// Now parses CurrTime. An empty CurrTime means the start of StartDate.
func (m Meta) Now() (time.Time, error) {
	if m.CurrTime == "" {
		return m.Start()
	}
	t, err := time.Parse(constants.TimeLayout, m.CurrTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("curr_time %q: %w", m.CurrTime, err)
	}
	return t, nil
}

// Spatial reports whether the simulation runs on a tile map.
func (m Meta) Spatial() bool {
	return m.SimMode != ModeOnline
}

// Position is a persona's tile in environment/<step>.json.
type Position struct {
	Maze string `json:"maze"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// Tile returns the position as a tile.
func (p Position) Tile() world.Tile {
	return world.Tile{p.X, p.Y}
}

// Snapshot is the complete persisted state of one simulation.
type Snapshot struct {
	Meta        Meta
	Personas    map[string]persona.Snapshot
	Events      world.FeedSnapshot
	Environment map[string]Position
}

// normalize fills defaults that older meta records leave out.
func (s *Snapshot) normalize(sim string) {
	if s.Meta.SimMode == "" {
		s.Meta.SimMode = ModeOffline
	}
	if s.Meta.SimCode == "" {
		s.Meta.SimCode = sim
	}
	if s.Meta.SecPerStep <= 0 {
		s.Meta.SecPerStep = constants.DefaultSecPerStep
	}
	if s.Personas == nil {
		s.Personas = make(map[string]persona.Snapshot)
	}
	if s.Environment == nil {
		s.Environment = make(map[string]Position)
	}
}

// Store reads and writes snapshots keyed by sim code. Templates are stored
// simulations like any other.
type Store interface {
	// Load returns ErrNotFound when sim does not exist. Missing or corrupt
	// parts of an existing simulation load as empty.
	Load(ctx context.Context, sim string) (*Snapshot, error)

	// Save replaces the stored state of sim.
	Save(ctx context.Context, sim string, snap *Snapshot) error

	// Delete removes sim. Deleting a missing simulation is not an error.
	Delete(ctx context.Context, sim string) error

	Exists(ctx context.Context, sim string) (bool, error)

	// List returns the meta record of every stored simulation, sorted by
	// sim code.
	List(ctx context.Context) ([]Meta, error)

	Close() error
}

// Backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// Root is the storage directory of the file backend.
	Root string

	SQLitePath string

	MongoURI      string
	MongoDatabase string

	Logger *slog.Logger
}

// Open returns the backend named by opts.Backend. An empty backend means
// the file backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Root, opts.Logger)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath, opts.Logger)
	case BackendMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase, opts.Logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}

// Fork copies the stored template into sim and returns the copy. The
// caller owns the returned snapshot.
func Fork(ctx context.Context, s Store, template, sim string) (*Snapshot, error) {
	snap, err := s.Load(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", template, err)
	}
	snap.Meta.TemplateSimCode = template
	snap.Meta.SimCode = sim
	snap.Meta.Protected = false
	if err := s.Save(ctx, sim, snap); err != nil {
		return nil, fmt.Errorf("saving %s: %w", sim, err)
	}
	return snap, nil
}

func sortMetas(metas []Meta) {
	slices.SortFunc(metas, func(a, b Meta) int { return strings.Compare(a.SimCode, b.SimCode) })
}
