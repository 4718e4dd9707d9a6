// Package world holds the state personas share: the tile map of the
// spatial variant, the public event feed of the online variant and the
// stage-planning cycle.
package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

// ErrOutOfBounds is returned for tile coordinates outside the maze.
var ErrOutOfBounds = errors.New("world: tile out of bounds")

// Tile is an (x, y) coordinate. It encodes as a two-element JSON array.
type Tile [2]int

// X returns the column.
func (t Tile) X() int { return t[0] }

// Y returns the row.
func (t Tile) Y() int { return t[1] }

func (t Tile) String() string {
	return fmt.Sprintf("(%d, %d)", t[0], t[1])
}

// Distance is the euclidean distance between two tiles.
func Distance(a, b Tile) float64 {
	dx, dy := float64(a[0]-b[0]), float64(a[1]-b[1])
	return math.Sqrt(dx*dx + dy*dy)
}

// TileEvent is an event happening on a tile. An object with no current
// action has empty Predicate, Object and Description.
type TileEvent struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Object      string `json:"object"`
	Description string `json:"description"`
}

// Idle returns the blank form of e for its subject.
func (e TileEvent) Idle() TileEvent {
	return TileEvent{Subject: e.Subject}
}

// TileInfo describes one tile.
type TileInfo struct {
	World      string `json:"world"`
	Sector     string `json:"sector"`
	Arena      string `json:"arena"`
	GameObject string `json:"game_object"`
	Spawn      string `json:"spawning_location"`
	Collision  bool   `json:"collision"`

	Events map[TileEvent]struct{} `json:"-"`
}

// Address returns the tile address truncated at level, one of "world",
// "sector", "arena" or "game_object".
func (ti TileInfo) Address(level string) string {
	parts := []string{ti.World}
	if level == "world" {
		return ti.World
	}
	parts = append(parts, ti.Sector)
	if level == "sector" {
		return strings.Join(parts, ":")
	}
	parts = append(parts, ti.Arena)
	if level == "arena" {
		return strings.Join(parts, ":")
	}
	parts = append(parts, ti.GameObject)
	return strings.Join(parts, ":")
}

// Maze is the tile map of a spatial simulation. Tiles are indexed [y][x].
// It is safe for concurrent use.
type Maze struct {
	mu sync.RWMutex

	Name   string
	Width  int
	Height int

	tiles   [][]TileInfo
	address map[string][]Tile
}

// NewMaze returns a blank width x height maze.
func NewMaze(name string, width, height int) *Maze {
	m := &Maze{Name: name, Width: width, Height: height, address: make(map[string][]Tile)}
	m.tiles = make([][]TileInfo, height)
	for y := range m.tiles {
		m.tiles[y] = make([]TileInfo, width)
		for x := range m.tiles[y] {
			m.tiles[y][x].Events = make(map[TileEvent]struct{})
		}
	}
	return m
}

type mazeFile struct {
	Name   string     `json:"name"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Tiles  []tileSpec `json:"tiles"`
}

type tileSpec struct {
	X int `json:"x"`
	Y int `json:"y"`
	TileInfo
}

// LoadMaze reads a maze description. The document is JSON and may carry
// comments and trailing commas. Tiles that are not listed stay blank.
func LoadMaze(r io.Reader) (*Maze, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading maze: %w", err)
	}
	var f mazeFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parsing maze: %w", err)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("parsing maze: invalid size %dx%d", f.Width, f.Height)
	}
	m := NewMaze(f.Name, f.Width, f.Height)
	for _, ts := range f.Tiles {
		if err := m.SetTile(Tile{ts.X, ts.Y}, ts.TileInfo); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetTile replaces the description of t and indexes its addresses.
func (m *Maze) SetTile(t Tile, info TileInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inBoundsLocked(t) {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, t)
	}
	info.Events = make(map[TileEvent]struct{})
	if info.GameObject != "" {
		// Objects start with their blank event so perception sees them.
		info.Events[TileEvent{Subject: info.Address("game_object")}] = struct{}{}
	}
	m.tiles[t[1]][t[0]] = info

	if info.World != "" {
		m.index(info.World, t)
	}
	if info.Sector != "" {
		m.index(info.Address("sector"), t)
	}
	if info.Arena != "" {
		m.index(info.Address("arena"), t)
	}
	if info.GameObject != "" {
		m.index(info.Address("game_object"), t)
	}
	if info.Spawn != "" {
		m.index("<spawn_loc>"+info.Spawn, t)
	}
	return nil
}

func (m *Maze) index(addr string, t Tile) {
	m.address[addr] = append(m.address[addr], t)
}

func (m *Maze) inBoundsLocked(t Tile) bool {
	return t[0] >= 0 && t[1] >= 0 && t[0] < m.Width && t[1] < m.Height
}

// Access returns a copy of the description of t, events included.
func (m *Maze) Access(t Tile) (TileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inBoundsLocked(t) {
		return TileInfo{}, fmt.Errorf("%w: %v", ErrOutOfBounds, t)
	}
	info := m.tiles[t[1]][t[0]]
	events := make(map[TileEvent]struct{}, len(info.Events))
	for e := range info.Events {
		events[e] = struct{}{}
	}
	info.Events = events
	return info, nil
}

// TileEvents returns the events on t in a stable order.
func (m *Maze) TileEvents(t Tile) []TileEvent {
	info, err := m.Access(t)
	if err != nil {
		return nil
	}
	out := make([]TileEvent, 0, len(info.Events))
	for e := range info.Events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Description < out[j].Description
	})
	return out
}

// NearbyTiles returns the tiles in the square of the given radius around t,
// clipped to the maze.
func (m *Maze) NearbyTiles(t Tile, radius int) []Tile {
	var out []Tile
	for y := max(0, t[1]-radius); y <= min(m.Height-1, t[1]+radius); y++ {
		for x := max(0, t[0]-radius); x <= min(m.Width-1, t[0]+radius); x++ {
			out = append(out, Tile{x, y})
		}
	}
	return out
}

// AddressTiles returns the tiles registered under addr.
func (m *Maze) AddressTiles(addr string) []Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Tile(nil), m.address[addr]...)
}

// AddEvent places e on t.
func (m *Maze) AddEvent(e TileEvent, t Tile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inBoundsLocked(t) {
		m.tiles[t[1]][t[0]].Events[e] = struct{}{}
	}
}

// RemoveEvent removes e from t.
func (m *Maze) RemoveEvent(e TileEvent, t Tile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inBoundsLocked(t) {
		delete(m.tiles[t[1]][t[0]].Events, e)
	}
}

// RemoveSubjectEvents removes every event on t whose subject is subject.
func (m *Maze) RemoveSubjectEvents(subject string, t Tile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inBoundsLocked(t) {
		return
	}
	for e := range m.tiles[t[1]][t[0]].Events {
		if e.Subject == subject {
			delete(m.tiles[t[1]][t[0]].Events, e)
		}
	}
}

// TurnEventIdle replaces e on t with its blank form.
func (m *Maze) TurnEventIdle(e TileEvent, t Tile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inBoundsLocked(t) {
		return
	}
	events := m.tiles[t[1]][t[0]].Events
	if _, ok := events[e]; ok {
		delete(events, e)
		events[e.Idle()] = struct{}{}
	}
}

// FindPath returns the shortest 4-connected path from start to goal over
// non-collision tiles, both ends included. It returns nil when goal is
// unreachable.
func (m *Maze) FindPath(start, goal Tile) []Tile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inBoundsLocked(start) || !m.inBoundsLocked(goal) {
		return nil
	}
	if start == goal {
		return []Tile{start}
	}

	prev := map[Tile]Tile{start: start}
	queue := []Tile{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range [4]Tile{{0, -1}, {1, 0}, {0, 1}, {-1, 0}} {
			next := Tile{cur[0] + d[0], cur[1] + d[1]}
			if !m.inBoundsLocked(next) || m.tiles[next[1]][next[0]].Collision {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == goal {
				return walkBack(prev, start, goal)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func walkBack(prev map[Tile]Tile, start, goal Tile) []Tile {
	var path []Tile
	for t := goal; t != start; t = prev[t] {
		path = append(path, t)
	}
	path = append(path, start)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
