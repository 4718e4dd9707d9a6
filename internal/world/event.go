package world

import (
	"slices"
	"sync"
	"time"
)

// Post is one entry in an event's public history: the event itself, or a
// persona's comment on it.
type Post struct {
	Author      string    `json:"author"`
	Subject     string    `json:"subject"`
	Predicate   string    `json:"predicate"`
	Object      string    `json:"object"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
}

// PublicAuthor is the author of the post that opens an event.
const PublicAuthor = "public"

// Event is a public event of the online variant. Only History grows after
// creation.
type Event struct {
	ID          int      `json:"event_id"`
	Description string   `json:"description"`
	AccessList  []string `json:"access_list"`
	Policy      string   `json:"policy,omitempty"`
	Websearch   string   `json:"websearch,omitempty"`
	History     []Post   `json:"public_history"`
}

// Visible reports whether name may read the event. An empty access list
// makes the event visible to everyone.
func (e *Event) Visible(name string) bool {
	return len(e.AccessList) == 0 || slices.Contains(e.AccessList, name)
}

// Histories returns the public history for name, or nil when name is not
// on the access list.
func (e *Event) Histories(name string) []Post {
	if !e.Visible(name) {
		return nil
	}
	if e.History == nil {
		return []Post{}
	}
	return e.History
}

// DescriptionFor returns the description, or "" when name may not read it.
func (e *Event) DescriptionFor(name string) string {
	if !e.Visible(name) {
		return ""
	}
	return e.Description
}

// Unread is the part of one event's history a persona has not read yet.
type Unread struct {
	Event *Event
	Posts []Post

	// First is set when the reader had not seen the event before.
	First bool

	// Through is the read position after Posts, passed to MarkRead.
	Through int
}

// Feed is the list of public events plus a read cursor per persona and
// event. It is safe for concurrent use.
type Feed struct {
	mu      sync.RWMutex
	events  []*Event
	cursors map[string]map[int]int
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{cursors: make(map[string]map[int]int)}
}

// Publish adds a new event whose history starts with opening. It returns the
// event id.
func (f *Feed) Publish(description string, opening Post, accessList []string, policy, websearch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opening.Author == "" {
		opening.Author = PublicAuthor
	}
	e := &Event{
		ID:          len(f.events),
		Description: description,
		AccessList:  append([]string(nil), accessList...),
		Policy:      policy,
		Websearch:   websearch,
		History:     []Post{opening},
	}
	f.events = append(f.events, e)
	return e.ID
}

// Append adds p to the history of event id. A public post also replaces the
// event description.
func (f *Feed) Append(id int, p Post) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 0 || id >= len(f.events) {
		return false
	}
	e := f.events[id]
	e.History = append(e.History, p)
	if p.Author == PublicAuthor {
		e.Description = p.Description
	}
	return true
}

// Events returns a copy of every event.
func (f *Feed) Events() []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Event, len(f.events))
	for i, e := range f.events {
		out[i] = *e
		out[i].History = append([]Post(nil), e.History...)
		out[i].AccessList = append([]string(nil), e.AccessList...)
	}
	return out
}

// Len returns the number of events.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.events)
}

// Unread returns, per visible event, the posts name has not read, and moves
// name's cursors to the end. Posts authored by name are skipped.
func (f *Feed) Unread(name string) []Unread {
	batch := f.Peek(name, 0)
	for _, u := range batch {
		f.MarkRead(name, u.Event.ID, u.Through)
	}
	return batch
}

// Peek returns, per visible event, the posts name has not read without
// moving any cursor. Posts authored by name are skipped and events with
// nothing else unread are left out. A positive limit
// caps the number of posts returned across all events, oldest events
// first.
func (f *Feed) Peek(name string, limit int) []Unread {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cur := f.cursors[name]
	var out []Unread
	taken := 0
	for _, e := range f.events {
		if limit > 0 && taken >= limit {
			break
		}
		history := e.Histories(name)
		if history == nil {
			continue
		}
		from := cur[e.ID]
		if from >= len(history) {
			continue
		}
		u := Unread{First: from == 0, Through: from}
		for _, p := range history[from:] {
			if limit > 0 && taken >= limit {
				break
			}
			u.Through++
			if p.Author == name {
				continue
			}
			u.Posts = append(u.Posts, p)
			taken++
		}
		if len(u.Posts) == 0 {
			continue
		}
		snapshot := *e
		snapshot.History = append([]Post(nil), e.History...)
		u.Event = &snapshot
		out = append(out, u)
	}
	return out
}

// MarkRead moves name's cursor on event id to pos. Cursors never move
// backwards.
func (f *Feed) MarkRead(name string, id, pos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.cursors[name]
	if cur == nil {
		cur = make(map[int]int)
		f.cursors[name] = cur
	}
	if pos > cur[id] {
		cur[id] = pos
	}
}

// FeedSnapshot is the persisted form of a Feed.
type FeedSnapshot struct {
	Events  []Event                `json:"events"`
	Cursors map[string]map[int]int `json:"read_positions,omitempty"`
}

// Snapshot returns the feed's persistent state.
func (f *Feed) Snapshot() FeedSnapshot {
	s := FeedSnapshot{Events: f.Events(), Cursors: make(map[string]map[int]int)}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, cur := range f.cursors {
		cp := make(map[int]int, len(cur))
		for id, pos := range cur {
			cp[id] = pos
		}
		s.Cursors[name] = cp
	}
	return s
}

// FeedFromSnapshot restores a feed. Event ids are renumbered by position.
func FeedFromSnapshot(s FeedSnapshot) *Feed {
	f := NewFeed()
	for i := range s.Events {
		e := s.Events[i]
		e.ID = i
		f.events = append(f.events, &e)
	}
	for name, cur := range s.Cursors {
		cp := make(map[int]int, len(cur))
		for id, pos := range cur {
			cp[id] = pos
		}
		f.cursors[name] = cp
	}
	return f
}
