package cognition

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

func TestRetrieve_RankedWithoutSharedKeywords(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, true)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)
	now := midnight.Add(9 * time.Hour)

	add := func(kind memory.Kind, created time.Time, s, pred, o, desc string) *memory.Node {
		t.Helper()
		n, err := p.Memory.Add(memory.NodeSpec{
			Kind:        kind,
			Created:     created,
			Subject:     s,
			Predicate:   pred,
			Object:      o,
			Description: desc,
			Keywords:    []string{s, o},
			Poignancy:   5,
		})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		return n
	}
	add(memory.KindThought, midnight, isabella, "plans", "valentine party", "Isabella plans a valentine party")
	add(memory.KindEvent, midnight.Add(time.Hour), "Klaus Mueller", "writes", "paper", "Klaus is writing a paper")
	percept := add(memory.KindEvent, now, "Maria Lopez", "reads", "book", "Maria is reading a book")

	tick := &Tick{Env: env, Persona: p, Now: now, Perceived: []Percept{{Node: percept}}}
	if err := retrieve(context.Background(), tick); err != nil {
		t.Fatalf("retrieve() error = %v", err)
	}
	if len(tick.Retrieved) != 1 {
		t.Fatalf("Retrieved = %d entries, want 1", len(tick.Retrieved))
	}

	descriptions := func(nodes []*memory.Node) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.Description)
		}
		return out
	}
	r := tick.Retrieved[0]
	if diff := cmp.Diff([]string{"Klaus is writing a paper"}, descriptions(r.Events)); diff != "" {
		t.Errorf("Events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Isabella plans a valentine party"}, descriptions(r.Thoughts)); diff != "" {
		t.Errorf("Thoughts mismatch (-want +got):\n%s", diff)
	}
}

func TestRetrieve_KeywordMatchesFollowRanked(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, true)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)
	now := midnight.Add(9 * time.Hour)

	spec := func(created time.Time, desc string) memory.NodeSpec {
		return memory.NodeSpec{
			Kind:        memory.KindEvent,
			Created:     created,
			Subject:     "Klaus Mueller",
			Predicate:   "writes",
			Object:      "paper",
			Description: desc,
			Keywords:    []string{"Klaus Mueller", "paper"},
			Poignancy:   5,
		}
	}
	for _, s := range []memory.NodeSpec{
		spec(midnight, "Klaus starts a paper"),
		spec(midnight.Add(time.Hour), "Klaus edits the paper"),
	} {
		if _, err := p.Memory.Add(s); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	percept, err := p.Memory.Add(spec(now, "Klaus is writing a paper"))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tick := &Tick{Env: env, Persona: p, Now: now, Perceived: []Percept{{Node: percept}}}
	if err := retrieve(context.Background(), tick); err != nil {
		t.Fatalf("retrieve() error = %v", err)
	}
	r := tick.Retrieved[0]
	if len(r.Events) != 2 {
		t.Fatalf("Events = %d, want each earlier node once", len(r.Events))
	}
	for _, n := range r.Events {
		if n.ID == percept.ID {
			t.Error("percept retrieved as its own context")
		}
	}
}
