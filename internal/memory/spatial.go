package memory

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Tree is a persona's spatial knowledge: world -> sector -> arena -> objects.
// It grows as the persona discovers places.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]map[string]map[string][]string
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{nodes: make(map[string]map[string]map[string][]string)}
}

// Add records the path. Empty trailing components are allowed, so an arena
// can be known before any of its objects. It reports whether anything new
// was learned.
func (t *Tree) Add(world, sector, arena, object string) bool {
	if world == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	added := false
	sectors, ok := t.nodes[world]
	if sectors == nil {
		sectors = make(map[string]map[string][]string)
		t.nodes[world] = sectors
		added = !ok
	}
	if sector == "" {
		return added
	}
	arenas, ok := sectors[sector]
	if arenas == nil {
		arenas = make(map[string][]string)
		sectors[sector] = arenas
		added = added || !ok
	}
	if arena == "" {
		return added
	}
	objects, ok := arenas[arena]
	if !ok {
		arenas[arena] = nil
		added = true
	}
	if object == "" {
		return added
	}
	for _, o := range objects {
		if o == object {
			return added
		}
	}
	arenas[arena] = append(objects, object)
	return true
}

// Worlds returns the known worlds, sorted.
func (t *Tree) Worlds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.nodes)
}

// Sectors returns the sectors of world, sorted.
func (t *Tree) Sectors(world string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.nodes[world])
}

// Arenas returns the arenas of world:sector, sorted.
func (t *Tree) Arenas(world, sector string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.nodes[world][sector])
}

// Objects returns the objects of world:sector:arena in discovery order.
func (t *Tree) Objects(world, sector, arena string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.nodes[world][sector][arena]...)
}

// ObjectsAt is Objects for a "world:sector:arena" address.
func (t *Tree) ObjectsAt(address string) []string {
	parts := strings.SplitN(address, ":", 4)
	if len(parts) < 3 {
		return nil
	}
	return t.Objects(parts[0], parts[1], parts[2])
}

// String renders the tree indented by level.
func (t *Tree) String() string {
	var b strings.Builder
	for _, w := range t.Worlds() {
		b.WriteString(w + "\n")
		for _, s := range t.Sectors(w) {
			b.WriteString("  " + s + "\n")
			for _, a := range t.Arenas(w, s) {
				b.WriteString("    " + a + "\n")
				for _, o := range t.Objects(w, s, a) {
					b.WriteString("      " + o + "\n")
				}
			}
		}
	}
	return b.String()
}

// MarshalJSON writes the nested {world: {sector: {arena: [objects]}}} form.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.nodes)
}

// UnmarshalJSON reads the nested form. A null arena becomes an empty one.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var nodes map[string]map[string]map[string][]string
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	if nodes == nil {
		nodes = make(map[string]map[string]map[string][]string)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = nodes
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
