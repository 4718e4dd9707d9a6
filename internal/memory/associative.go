package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrOutOfOrder is returned when a node is appended with a creation time
// earlier than the latest node.
var ErrOutOfOrder = errors.New("memory: node created before latest node")

// NodeSpec describes a node to append. Count, TypeCount and ID are assigned
// by the memory.
type NodeSpec struct {
	Kind        Kind
	Created     time.Time
	Expires     *time.Time
	Subject     string
	Predicate   string
	Object      string
	Description string
	Keywords    []string
	Poignancy   float64

	// EmbeddingKey names the text whose vector is Embedding. It defaults to
	// Description.
	EmbeddingKey string
	Embedding    []float32

	Filling    []string
	Transcript []Utterance
}

// Associative is a persona's append-only long-term memory. It is safe for
// concurrent use; in practice one persona's workflow writes while API
// handlers read.
type Associative struct {
	mu sync.RWMutex

	nodes    []*Node
	byID     map[string]*Node
	byKind   map[Kind][]*Node
	keywords map[Kind]map[string][]*Node

	// strength is the lifetime keyword strength per kind; pressure is the
	// strength accumulated since the last reflection.
	strength map[Kind]map[string]int
	pressure map[Kind]map[string]int

	embeddings   map[string][]float32
	lastAccessed map[string]time.Time
}

// NewAssociative returns an empty memory.
func NewAssociative() *Associative {
	return &Associative{
		byID:         make(map[string]*Node),
		byKind:       make(map[Kind][]*Node),
		keywords:     map[Kind]map[string][]*Node{KindEvent: {}, KindThought: {}, KindChat: {}},
		strength:     map[Kind]map[string]int{KindEvent: {}, KindThought: {}},
		pressure:     map[Kind]map[string]int{KindEvent: {}, KindThought: {}},
		embeddings:   make(map[string][]float32),
		lastAccessed: make(map[string]time.Time),
	}
}

// Add appends a node. Keywords are lowercased. Non-idle events and thoughts
// add one unit of strength per keyword.
func (a *Associative) Add(spec NodeSpec) (*Node, error) {
	switch spec.Kind {
	case KindEvent, KindThought, KindChat:
	default:
		return nil, fmt.Errorf("memory: unknown node kind %q", spec.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.nodes); n > 0 && spec.Created.Before(a.nodes[n-1].Created) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrder, spec.Created, a.nodes[n-1].Created)
	}

	keywords := make([]string, 0, len(spec.Keywords))
	seen := make(map[string]bool, len(spec.Keywords))
	for _, kw := range spec.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}

	embKey := spec.EmbeddingKey
	if embKey == "" {
		embKey = spec.Description
	}

	count := len(a.nodes) + 1
	node := &Node{
		ID:           fmt.Sprintf("node_%d", count),
		Count:        count,
		TypeCount:    len(a.byKind[spec.Kind]) + 1,
		Kind:         spec.Kind,
		Created:      spec.Created,
		Expires:      spec.Expires,
		Subject:      spec.Subject,
		Predicate:    spec.Predicate,
		Object:       spec.Object,
		Description:  spec.Description,
		EmbeddingKey: embKey,
		Poignancy:    spec.Poignancy,
		Keywords:     keywords,
		Filling:      spec.Filling,
		Transcript:   spec.Transcript,
	}
	if spec.Kind == KindThought {
		node.Depth = 1
		for _, id := range spec.Filling {
			if ev, ok := a.byID[id]; ok && ev.Depth+1 > node.Depth {
				node.Depth = ev.Depth + 1
			}
		}
	}

	a.insertLocked(node)
	if len(spec.Embedding) > 0 {
		a.embeddings[embKey] = spec.Embedding
	}
	if !node.Idle() {
		if s, ok := a.strength[node.Kind]; ok {
			for _, kw := range keywords {
				s[kw]++
				a.pressure[node.Kind][kw]++
			}
		}
	}
	return node, nil
}

func (a *Associative) insertLocked(node *Node) {
	a.nodes = append(a.nodes, node)
	a.byID[node.ID] = node
	a.byKind[node.Kind] = append(a.byKind[node.Kind], node)
	for _, kw := range node.Keywords {
		a.keywords[node.Kind][kw] = append(a.keywords[node.Kind][kw], node)
	}
	a.lastAccessed[node.ID] = node.Created
}

// Len returns the number of nodes.
func (a *Associative) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// Get returns the node with id.
func (a *Associative) Get(id string) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.byID[id]
	return n, ok
}

// Nodes returns nodes of kind, most recent first. An empty kind returns all.
func (a *Associative) Nodes(kind Kind) []*Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src := a.nodes
	if kind != "" {
		src = a.byKind[kind]
	}
	out := make([]*Node, len(src))
	for i, n := range src {
		out[len(src)-1-i] = n
	}
	return out
}

// Latest returns up to n nodes of kind, most recent first.
func (a *Associative) Latest(kind Kind, n int) []*Node {
	all := a.Nodes(kind)
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// LatestEventSummaries returns the SPO summaries of the latest n events.
// Perception uses it to skip events the persona already remembers.
func (a *Associative) LatestEventSummaries(n int) map[string]bool {
	out := make(map[string]bool)
	for _, node := range a.Latest(KindEvent, n) {
		out[node.Summary()] = true
	}
	return out
}

// RelatedByKeywords returns the events and thoughts indexed under any of
// keywords that have not expired at now, most recent first, without
// duplicates.
func (a *Associative) RelatedByKeywords(now time.Time, keywords ...string) (events, thoughts []*Node) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	collect := func(kind Kind) []*Node {
		seen := make(map[string]bool)
		var out []*Node
		for _, kw := range keywords {
			for _, n := range a.keywords[kind][strings.ToLower(kw)] {
				if !seen[n.ID] && !n.Expired(now) {
					seen[n.ID] = true
					out = append(out, n)
				}
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
		return out
	}
	return collect(KindEvent), collect(KindThought)
}

// LastChat returns the most recent chat node whose object is partner.
func (a *Associative) LastChat(partner string) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	chats := a.keywords[KindChat][strings.ToLower(partner)]
	if len(chats) == 0 {
		return nil, false
	}
	return chats[len(chats)-1], true
}

// KeywordPressure returns the highest per-keyword strength of kind
// accumulated since the last ResetPressure.
func (a *Associative) KeywordPressure(kind Kind) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	best := 0
	for _, v := range a.pressure[kind] {
		best = max(best, v)
	}
	return best
}

// KeywordStrength returns the lifetime strength of keyword for kind.
func (a *Associative) KeywordStrength(kind Kind, keyword string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.strength[kind][strings.ToLower(keyword)]
}

// ResetPressure clears the since-reflection keyword counters.
func (a *Associative) ResetPressure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pressure = map[Kind]map[string]int{KindEvent: {}, KindThought: {}}
}

// Embedding returns the vector stored for key.
func (a *Associative) Embedding(key string) ([]float32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.embeddings[key]
	return v, ok
}

// SetEmbedding stores a vector for key.
func (a *Associative) SetEmbedding(key string, vec []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.embeddings[key] = vec
}

// LastAccessed returns when the node was last retrieved, or its creation time.
func (a *Associative) LastAccessed(id string) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastAccessed[id]
}

// Touch stamps nodes as accessed at now.
func (a *Associative) Touch(now time.Time, nodes ...*Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range nodes {
		a.lastAccessed[n.ID] = now
	}
}

// ForgetExpired drops expired nodes from the keyword index. The nodes stay
// in the sequence and remain addressable by id.
func (a *Associative) ForgetExpired(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	dropped := 0
	for kind, index := range a.keywords {
		for kw, nodes := range index {
			kept := nodes[:0]
			for _, n := range nodes {
				if n.Expired(now) {
					dropped++
					continue
				}
				kept = append(kept, n)
			}
			if len(kept) == 0 {
				delete(index, kw)
			} else {
				index[kw] = kept
			}
		}
		a.keywords[kind] = index
	}
	return dropped
}

// Snapshot is the persisted form of an Associative memory.
type Snapshot struct {
	Nodes        []*Node                 `json:"nodes"`
	Strength     map[Kind]map[string]int `json:"kw_strength"`
	Embeddings   map[string][]float32    `json:"embeddings"`
	LastAccessed map[string]time.Time    `json:"last_accessed,omitempty"`
}

// Snapshot returns a copy of the memory's persistent state.
func (a *Associative) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Snapshot{
		Nodes:        append([]*Node(nil), a.nodes...),
		Strength:     make(map[Kind]map[string]int, len(a.strength)),
		Embeddings:   make(map[string][]float32, len(a.embeddings)),
		LastAccessed: make(map[string]time.Time, len(a.lastAccessed)),
	}
	for k, m := range a.strength {
		cp := make(map[string]int, len(m))
		for kw, v := range m {
			cp[kw] = v
		}
		s.Strength[k] = cp
	}
	for k, v := range a.embeddings {
		s.Embeddings[k] = v
	}
	for k, v := range a.lastAccessed {
		s.LastAccessed[k] = v
	}
	return s
}

// FromSnapshot rebuilds a memory. Nodes are sorted by Count so a snapshot
// written in any order restores identically.
func FromSnapshot(s Snapshot) *Associative {
	a := NewAssociative()
	nodes := append([]*Node(nil), s.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Count < nodes[j].Count })
	for _, n := range nodes {
		if n == nil {
			continue
		}
		a.insertLocked(n)
	}
	for kind, m := range s.Strength {
		if _, ok := a.strength[kind]; !ok {
			continue
		}
		for kw, v := range m {
			a.strength[kind][kw] = v
		}
	}
	for k, v := range s.Embeddings {
		a.embeddings[k] = v
	}
	for id, t := range s.LastAccessed {
		if _, ok := a.byID[id]; ok {
			a.lastAccessed[id] = t
		}
	}
	return a
}
