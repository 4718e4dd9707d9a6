// Package memory holds a persona's long-term memory: the append-only
// associative store of events, thoughts and chats with its retrieval scoring,
// and the spatial tree of places the persona knows about.
package memory

import (
	"strings"
	"time"
)

// Kind classifies a memory node.
type Kind string

const (
	KindEvent   Kind = "event"
	KindThought Kind = "thought"
	KindChat    Kind = "chat"
)

// Utterance is one line of a conversation transcript.
type Utterance [2]string

// Speaker returns the name of whoever said the line.
func (u Utterance) Speaker() string { return u[0] }

// Text returns what was said.
func (u Utterance) Text() string { return u[1] }

// Node is one remembered event, thought or chat. Nodes are never mutated
// after they are appended to an Associative memory.
type Node struct {
	ID        string     `json:"node_id"`
	Count     int        `json:"node_count"`
	TypeCount int        `json:"type_count"`
	Kind      Kind       `json:"type"`
	Depth     int        `json:"depth"`
	Created   time.Time  `json:"created"`
	Expires   *time.Time `json:"expiration,omitempty"`

	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`

	Description  string   `json:"description"`
	EmbeddingKey string   `json:"embedding_key"`
	Poignancy    float64  `json:"poignancy"`
	Keywords     []string `json:"keywords"`

	// Filling holds evidence node ids for thoughts.
	Filling []string `json:"filling,omitempty"`

	// Transcript is set on chat nodes.
	Transcript []Utterance `json:"transcript,omitempty"`
}

// SPO returns the node's subject, predicate and object.
func (n *Node) SPO() (string, string, string) {
	return n.Subject, n.Predicate, n.Object
}

// Summary is the "subject predicate object" form of the node.
func (n *Node) Summary() string {
	return n.Subject + " " + n.Predicate + " " + n.Object
}

// Expired reports whether the node expired at or before now.
func (n *Node) Expired(now time.Time) bool {
	return n.Expires != nil && !n.Expires.After(now)
}

// Idle reports whether the node records an idle state. Idle nodes add no
// keyword strength and are skipped by retrieval.
func (n *Node) Idle() bool {
	return n.Predicate+" "+n.Object == "is idle" || strings.Contains(n.EmbeddingKey, "idle")
}
