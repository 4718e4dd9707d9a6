package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

var start = time.Date(2023, 2, 13, 0, 0, 0, 0, time.UTC)

func sampleSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	p := persona.New(persona.Config{Name: "Isabella Rodriguez", Age: 34}, true)
	p.Scratch.CurrTime = persona.At(start.Add(2 * time.Hour))
	p.Spatial.Add("the Ville", "Hobbs Cafe", "cafe", "counter")
	n, err := p.Memory.Add(memory.NodeSpec{
		Kind: memory.KindEvent, Created: start.Add(time.Hour),
		Subject: "Isabella Rodriguez", Predicate: "is", Object: "opening the cafe",
		Description: "Isabella Rodriguez is opening the cafe", Keywords: []string{"Isabella Rodriguez", "cafe"},
		Poignancy: 4, Embedding: []float32{0.5, 0.25},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	p.Memory.Touch(start.Add(90*time.Minute), n)

	feed := world.NewFeed()
	feed.Publish("the cafe hosts a party", world.Post{Author: world.PublicAuthor, Description: "party at the cafe", Created: start}, []string{"Isabella Rodriguez"}, "", "")

	return &Snapshot{
		Meta: Meta{
			TemplateSimCode: "base_the_ville_isabella",
			SimMode:         ModeOffline,
			StartDate:       "February 13, 2023",
			CurrTime:        "February 13, 2023, 02:00:00",
			SecPerStep:      600,
			Step:            12,
			MazeName:        "the_ville",
			PersonaNames:    []string{"Isabella Rodriguez"},
		},
		Personas:    map[string]persona.Snapshot{"Isabella Rodriguez": p.Snapshot()},
		Events:      feed.Snapshot(),
		Environment: map[string]Position{"Isabella Rodriguez": {Maze: "the_ville", X: 72, Y: 14}},
	}
}

// testStore runs the behaviour every backend shares.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
	}

	want := sampleSnapshot(t)
	if err := s.Save(ctx, "sim-a", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	ok, err := s.Exists(ctx, "sim-a")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	got, err := s.Load(ctx, "sim-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Meta.SimCode != "sim-a" || got.Meta.Step != 12 || got.Meta.MazeName != "the_ville" {
		t.Errorf("Meta = %+v", got.Meta)
	}
	now, err := got.Meta.Now()
	if err != nil || !now.Equal(start.Add(2*time.Hour)) {
		t.Errorf("Meta.Now() = %v, %v", now, err)
	}
	if diff := cmp.Diff(want.Environment, got.Environment); diff != "" {
		t.Errorf("Environment mismatch (-want +got):\n%s", diff)
	}
	if len(got.Events.Events) != 1 || got.Events.Events[0].Description != "the cafe hosts a party" {
		t.Errorf("Events = %+v", got.Events)
	}

	ps, ok := got.Personas["Isabella Rodriguez"]
	if !ok {
		t.Fatal("persona missing after Load")
	}
	r := persona.Restore("Isabella Rodriguez", ps, true)
	if r.Scratch.Age != 34 || !r.Scratch.CurrTime.Equal(start.Add(2*time.Hour)) {
		t.Errorf("Scratch = age %d time %v", r.Scratch.Age, r.Scratch.CurrTime)
	}
	if r.Memory.Len() != 1 {
		t.Fatalf("Memory.Len() = %d, want 1", r.Memory.Len())
	}
	node := r.Memory.Nodes(memory.KindEvent)[0]
	if node.Description != "Isabella Rodriguez is opening the cafe" || !node.Created.Equal(start.Add(time.Hour)) {
		t.Errorf("node = %+v", node)
	}
	if got := r.Memory.LastAccessed(node.ID); !got.Equal(start.Add(90 * time.Minute)) {
		t.Errorf("LastAccessed() = %v", got)
	}
	if vec, ok := r.Memory.Embedding(node.EmbeddingKey); !ok || len(vec) != 2 {
		t.Errorf("Embedding() = %v, %v", vec, ok)
	}
	if r.Memory.KeywordStrength(memory.KindEvent, "cafe") != 1 {
		t.Errorf("KeywordStrength(cafe) = %d", r.Memory.KeywordStrength(memory.KindEvent, "cafe"))
	}
	if diff := cmp.Diff([]string{"counter"}, r.Spatial.Objects("the Ville", "Hobbs Cafe", "cafe")); diff != "" {
		t.Errorf("spatial mismatch (-want +got):\n%s", diff)
	}

	// Saving again replaces rather than appends.
	want.Meta.Step = 13
	if err := s.Save(ctx, "sim-a", want); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if err := s.Save(ctx, "base_template", sampleSnapshot(t)); err != nil {
		t.Fatalf("Save(base_template) error = %v", err)
	}
	metas, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var codes []string
	for _, m := range metas {
		codes = append(codes, m.SimCode)
	}
	if diff := cmp.Diff([]string{"base_template", "sim-a"}, codes); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	again, err := s.Load(ctx, "sim-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if again.Meta.Step != 13 {
		t.Errorf("Step = %d, want 13", again.Meta.Step)
	}
	if n := persona.Restore("Isabella Rodriguez", again.Personas["Isabella Rodriguez"], true).Memory.Len(); n != 1 {
		t.Errorf("Memory.Len() after resave = %d, want 1", n)
	}

	if err := s.Delete(ctx, "sim-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := s.Exists(ctx, "sim-a"); ok {
		t.Error("Exists() after Delete = true")
	}
	if err := s.Delete(ctx, "sim-a"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tmpl := sampleSnapshot(t)
	tmpl.Meta.Protected = true
	if err := s.Save(ctx, "base", tmpl); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	snap, err := Fork(ctx, s, "base", "run-1")
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if snap.Meta.Protected || snap.Meta.TemplateSimCode != "base" || snap.Meta.SimCode != "run-1" {
		t.Errorf("forked Meta = %+v", snap.Meta)
	}
	if _, err := Fork(ctx, s, "nope", "run-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fork(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMeta_Defaults(t *testing.T) {
	snap := &Snapshot{}
	snap.normalize("x")
	if snap.Meta.SimMode != ModeOffline || snap.Meta.SecPerStep != 600 || snap.Meta.SimCode != "x" {
		t.Errorf("normalize() Meta = %+v", snap.Meta)
	}
	if !snap.Meta.Spatial() {
		t.Error("offline meta should be spatial")
	}
	now, err := (Meta{StartDate: "February 13, 2023"}).Now()
	if err != nil || !now.Equal(start) {
		t.Errorf("Now() without curr_time = %v, %v", now, err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "cassandra"}); err == nil {
		t.Error("Open() error = nil for unknown backend")
	}
}
