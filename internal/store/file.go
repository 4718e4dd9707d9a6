package store

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

	"github.com/tidwall/jsonc"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

// FileStore keeps each simulation in its own directory tree of JSON files
// under Root. Hand-edited template files may carry comments and trailing
// commas.
type FileStore struct {
	Root   string
	logger *slog.Logger
}

// NewFileStore creates the storage root if needed.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store needs a storage root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileStore{Root: root, logger: logger}, nil
}

// Layout returns the file layout of sim.
func (s *FileStore) Layout(sim string) Layout {
	return Layout{Root: s.Root, Sim: sim}
}

// fileNode is a node as written to nodes.json.
type fileNode struct {
	*memory.Node
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

type fileStrength struct {
	Event   map[string]int `json:"kw_strength_event"`
	Thought map[string]int `json:"kw_strength_thought"`
}

// readJSON decodes path into v. It reports false when the file is missing.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return true, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// readPart reads an optional part of a snapshot. Failures are logged and
// leave v untouched.
func (s *FileStore) readPart(path string, v any) {
	if _, err := readJSON(path, v); err != nil {
		s.logger.Warn("ignoring unreadable snapshot file", "path", path, "error", err)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads sim's meta, events, environment and personas.
func (s *FileStore) Load(ctx context.Context, sim string) (*Snapshot, error) {
	if err := ValidateSimCode(sim); err != nil {
		return nil, err
	}
	l := s.Layout(sim)
	snap := &Snapshot{}
	found, err := readJSON(l.MetaPath(), &snap.Meta)
	if !found && err == nil {
		return nil, fmt.Errorf("%s: %w", sim, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s meta: %w", sim, err)
	}
	snap.normalize(sim)

	s.readPart(l.EventsPath(), &snap.Events)
	s.readPart(l.EnvironmentPath(snap.Meta.Step), &snap.Environment)
	for _, name := range snap.Meta.PersonaNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap.Personas[name] = s.loadPersona(l, name)
	}
	return snap, nil
}

func (s *FileStore) loadPersona(l Layout, name string) persona.Snapshot {
	var ps persona.Snapshot
	var sc persona.Scratch
	if found, err := readJSON(l.ScratchPath(name), &sc); err != nil {
		s.logger.Warn("ignoring unreadable scratch", "persona", name, "error", err)
	} else if found {
		ps.Scratch = &sc
	}

	tree := memory.NewTree()
	if found, err := readJSON(l.SpatialPath(name), tree); err != nil {
		s.logger.Warn("ignoring unreadable spatial memory", "persona", name, "error", err)
	} else if found {
		ps.Spatial = tree
	}

	var nodes map[string]fileNode
	s.readPart(l.NodesPath(name), &nodes)
	ps.Memory.LastAccessed = make(map[string]time.Time)
	for id, fn := range nodes {
		if fn.Node == nil {
			continue
		}
		if fn.ID == "" {
			fn.ID = id
		}
		ps.Memory.Nodes = append(ps.Memory.Nodes, fn.Node)
		if fn.LastAccessed != nil {
			ps.Memory.LastAccessed[fn.ID] = *fn.LastAccessed
		}
	}

	var strength fileStrength
	s.readPart(l.StrengthPath(name), &strength)
	ps.Memory.Strength = map[memory.Kind]map[string]int{
		memory.KindEvent:   strength.Event,
		memory.KindThought: strength.Thought,
	}
	s.readPart(l.EmbeddingsPath(name), &ps.Memory.Embeddings)
	return ps
}

// Save writes every part of snap. Files of personas no longer in the
// snapshot are left alone.
func (s *FileStore) Save(ctx context.Context, sim string, snap *Snapshot) error {
	if err := ValidateSimCode(sim); err != nil {
		return err
	}
	l := s.Layout(sim)
	meta := snap.Meta
	meta.SimCode = sim
	if err := writeJSON(l.MetaPath(), meta); err != nil {
		return fmt.Errorf("saving %s meta: %w", sim, err)
	}
	if err := writeJSON(l.EventsPath(), eventsOrEmpty(snap.Events)); err != nil {
		return fmt.Errorf("saving %s events: %w", sim, err)
	}
	if len(snap.Environment) > 0 {
		if err := writeJSON(l.EnvironmentPath(meta.Step), snap.Environment); err != nil {
			return fmt.Errorf("saving %s environment: %w", sim, err)
		}
	}
	for name, ps := range snap.Personas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.savePersona(l, name, ps); err != nil {
			return fmt.Errorf("saving persona %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) savePersona(l Layout, name string, ps persona.Snapshot) error {
	if ps.Scratch != nil {
		if err := writeJSON(l.ScratchPath(name), ps.Scratch); err != nil {
			return err
		}
	}
	if ps.Spatial != nil {
		if err := writeJSON(l.SpatialPath(name), ps.Spatial); err != nil {
			return err
		}
	}
	nodes := make(map[string]fileNode, len(ps.Memory.Nodes))
	for _, n := range ps.Memory.Nodes {
		fn := fileNode{Node: n}
		if t, ok := ps.Memory.LastAccessed[n.ID]; ok {
			fn.LastAccessed = &t
		}
		nodes[n.ID] = fn
	}
	if err := writeJSON(l.NodesPath(name), nodes); err != nil {
		return err
	}
	strength := fileStrength{
		Event:   ps.Memory.Strength[memory.KindEvent],
		Thought: ps.Memory.Strength[memory.KindThought],
	}
	if err := writeJSON(l.StrengthPath(name), strength); err != nil {
		return err
	}
	return writeJSON(l.EmbeddingsPath(name), ps.Memory.Embeddings)
}

// Delete removes the simulation directory.
func (s *FileStore) Delete(ctx context.Context, sim string) error {
	if err := ValidateSimCode(sim); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Layout(sim).Dir()); err != nil {
		return fmt.Errorf("deleting %s: %w", sim, err)
	}
	return nil
}

// Exists reports whether sim has a meta file.
func (s *FileStore) Exists(ctx context.Context, sim string) (bool, error) {
	if err := ValidateSimCode(sim); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Layout(sim).MetaPath())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}

// List reads the meta of every directory under Root that has one.
// Unreadable meta files are logged and skipped.
func (s *FileStore) List(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.Root, err)
	}
	var metas []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var m Meta
		found, err := readJSON(s.Layout(e.Name()).MetaPath(), &m)
		if err != nil {
			s.logger.Warn("skipping simulation with unreadable meta", "sim", e.Name(), "error", err)
			continue
		}
		if !found {
			continue
		}
		m.SimCode = e.Name()
		metas = append(metas, m)
	}
	sortMetas(metas)
	return metas, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)

// eventsOrEmpty keeps a nil event list out of events.json.
func eventsOrEmpty(f world.FeedSnapshot) world.FeedSnapshot {
	if f.Events == nil {
		f.Events = []world.Event{}
	}
	return f
}
