package cognition

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/world"
)

// perceiveSpatial records the events around the persona. Newly seen objects
// join spatial memory; the nearest att_bandwidth events of the current arena
// become event nodes unless one of the latest retention events already
// describes them.
func perceiveSpatial(ctx context.Context, t *Tick) error {
	m, s := t.Env.World.Maze, t.Persona.Scratch
	if m == nil || s.CurrTile == nil {
		return nil
	}
	here, err := m.Access(*s.CurrTile)
	if err != nil {
		return fmt.Errorf("perceive: %w", err)
	}
	arena := here.Address("arena")

	type seen struct {
		event world.TileEvent
		dist  float64
	}
	var events []seen
	known := make(map[world.TileEvent]bool)
	for _, tile := range m.NearbyTiles(*s.CurrTile, s.VisionR) {
		info, err := m.Access(tile)
		if err != nil {
			continue
		}
		if t.Persona.Spatial != nil {
			t.Persona.Spatial.Add(info.World, info.Sector, info.Arena, info.GameObject)
		}
		if info.Address("arena") != arena {
			continue
		}
		for _, ev := range m.TileEvents(tile) {
			if known[ev] {
				continue
			}
			known[ev] = true
			events = append(events, seen{ev, world.Distance(*s.CurrTile, tile)})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].dist < events[j].dist })
	if len(events) > s.AttBandwidth {
		events = events[:s.AttBandwidth]
	}

	latest := t.Persona.Memory.LatestEventSummaries(s.Retention)
	for _, e := range events {
		ev := e.event
		if ev.Predicate == "" {
			ev.Predicate, ev.Object, ev.Description = "is", "idle", "idle"
		}
		desc := ev.Description
		if desc == "" {
			desc = ev.Predicate + " " + ev.Object
		}
		desc = lastPart(ev.Subject) + " is " + desc
		if latest[ev.Subject+" "+ev.Predicate+" "+ev.Object] {
			continue
		}

		spec := memory.NodeSpec{
			Kind:        memory.KindEvent,
			Created:     t.Now,
			Subject:     ev.Subject,
			Predicate:   ev.Predicate,
			Object:      ev.Object,
			Description: desc,
			Keywords:    []string{lastPart(ev.Subject), lastPart(ev.Object)},
		}
		if ev.Subject == t.Persona.Name && ev.Predicate == "chat with" {
			chat, err := t.remember(ctx, memory.NodeSpec{
				Kind:        memory.KindChat,
				Created:     t.Now,
				Subject:     ev.Subject,
				Predicate:   ev.Predicate,
				Object:      ev.Object,
				Description: s.ActDescription,
				Keywords:    spec.Keywords,
				Transcript:  s.Chat,
			})
			if err != nil {
				return err
			}
			spec.Filling = []string{chat.ID}
		}
		node, err := t.remember(ctx, spec)
		if err != nil {
			return err
		}
		t.Perceived = append(t.Perceived, Percept{Node: node, Author: ev.Subject})
	}
	return nil
}

// perceiveOnline reads at most the persona's attention bandwidth of unread
// posts from the public feed. Every post becomes an event node; an event's
// policy and websearch text become thoughts the first time the persona
// reads it. A cursor moves only once everything read from its event is in
// memory.
func perceiveOnline(ctx context.Context, t *Tick) error {
	feed := t.Env.World.Feed
	if feed == nil {
		return nil
	}
	for _, u := range feed.Peek(t.Persona.Name, t.Persona.Scratch.AttBandwidth) {
		ev := u.Event
		if u.First {
			for _, extra := range []struct{ label, text string }{{"policy", ev.Policy}, {"websearch", ev.Websearch}} {
				if extra.text == "" {
					continue
				}
				if _, err := t.remember(ctx, memory.NodeSpec{
					Kind:        memory.KindThought,
					Created:     t.Now,
					Subject:     t.Persona.Name,
					Predicate:   "knows " + extra.label,
					Object:      fmt.Sprintf("event %d", ev.ID),
					Description: extra.text,
					Keywords:    []string{extra.label, fmt.Sprintf("event %d", ev.ID)},
				}); err != nil {
					return err
				}
			}
		}
		for _, post := range u.Posts {
			subject, predicate, object := post.Subject, post.Predicate, post.Object
			if subject == "" {
				subject, predicate, object = post.Author, "said", fmt.Sprintf("event %d", ev.ID)
			}
			node, err := t.remember(ctx, memory.NodeSpec{
				Kind:        memory.KindEvent,
				Created:     t.Now,
				Subject:     subject,
				Predicate:   predicate,
				Object:      object,
				Description: post.Description,
				Keywords:    []string{subject, object, post.Author},
			})
			if err != nil {
				return err
			}
			t.Perceived = append(t.Perceived, Percept{
				Node:      node,
				Author:    post.Author,
				EventID:   ev.ID,
				Policy:    ev.Policy,
				Websearch: ev.Websearch,
			})
			t.News = append(t.News, post.Author+" said, "+post.Description)
		}
		feed.MarkRead(t.Persona.Name, ev.ID, u.Through)
	}
	return nil
}

// lastPart returns the last ':'-separated component of an address.
func lastPart(address string) string {
	if i := strings.LastIndexByte(address, ':'); i >= 0 {
		return address[i+1:]
	}
	return address
}
