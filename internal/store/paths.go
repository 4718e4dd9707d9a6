package store

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Layout names the files of one simulation under the storage root. The
// layout matches the directory scheme frontends already read.
type Layout struct {
	Root string
	Sim  string
}

// Dir is the simulation's directory.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, l.Sim)
}

// MetaPath is reverie/meta.json.
func (l Layout) MetaPath() string {
	return filepath.Join(l.Dir(), "reverie", "meta.json")
}

// EventsPath is reverie/events.json.
func (l Layout) EventsPath() string {
	return filepath.Join(l.Dir(), "reverie", "events.json")
}

// EnvironmentDir holds the frontend's environment/<step>.json files.
func (l Layout) EnvironmentDir() string {
	return filepath.Join(l.Dir(), "environment")
}

// EnvironmentPath is environment/<step>.json.
func (l Layout) EnvironmentPath(step int) string {
	return filepath.Join(l.EnvironmentDir(), strconv.Itoa(step)+".json")
}

// MovementDir holds the movement/<step>.json files written for the
// frontend.
func (l Layout) MovementDir() string {
	return filepath.Join(l.Dir(), "movement")
}

// MovementPath is movement/<step>.json.
func (l Layout) MovementPath(step int) string {
	return filepath.Join(l.MovementDir(), strconv.Itoa(step)+".json")
}

// PersonasDir is the parent of every persona folder.
func (l Layout) PersonasDir() string {
	return filepath.Join(l.Dir(), "personas")
}

// MemoryDir is personas/<name>/bootstrap_memory.
func (l Layout) MemoryDir(name string) string {
	return filepath.Join(l.PersonasDir(), name, "bootstrap_memory")
}

// ScratchPath is the persona's scratch.json.
func (l Layout) ScratchPath(name string) string {
	return filepath.Join(l.MemoryDir(name), "scratch.json")
}

// SpatialPath is the persona's spatial_memory.json.
func (l Layout) SpatialPath(name string) string {
	return filepath.Join(l.MemoryDir(name), "spatial_memory.json")
}

// AssociativeDir is the persona's associative_memory folder.
func (l Layout) AssociativeDir(name string) string {
	return filepath.Join(l.MemoryDir(name), "associative_memory")
}

// NodesPath is associative_memory/nodes.json.
func (l Layout) NodesPath(name string) string {
	return filepath.Join(l.AssociativeDir(name), "nodes.json")
}

// StrengthPath is associative_memory/kw_strength.json.
func (l Layout) StrengthPath(name string) string {
	return filepath.Join(l.AssociativeDir(name), "kw_strength.json")
}

// EmbeddingsPath is associative_memory/embeddings.json.
func (l Layout) EmbeddingsPath(name string) string {
	return filepath.Join(l.AssociativeDir(name), "embeddings.json")
}

// ValidateSimCode rejects codes that would escape the storage root.
func ValidateSimCode(sim string) error {
	if sim == "" || sim == "." || sim == ".." || filepath.Base(sim) != sim {
		return fmt.Errorf("%w %q", ErrInvalidSimCode, sim)
	}
	return nil
}
