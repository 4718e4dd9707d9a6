package cognition

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

var midnight = time.Date(2023, time.February, 13, 0, 0, 0, 0, time.UTC)

const isabella = "Isabella Rodriguez"

type recorder struct {
	mu    sync.Mutex
	kinds []string
	msgs  []any
}

func (r *recorder) Publish(kind string, message any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.msgs = append(r.msgs, message)
}

func newTestEnv(client llm.Client, w *world.World, personas ...*persona.Persona) (*Env, *recorder) {
	rec := &recorder{}
	env := &Env{
		World:    w,
		Personas: make(map[string]*persona.Persona),
		Invoker:  llm.NewInvoker(client, llm.InvokerConfig{MaxRetries: 1}),
		Embedder: llm.NewHashEmbedder(llm.DefaultHashDimensions),
		Outbox:   rec,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	}
	for _, p := range personas {
		env.Personas[p.Name] = p
	}
	return env, rec
}

func TestStageOrder(t *testing.T) {
	tests := []struct {
		variant Variant
		want    []Stage
	}{
		{VariantSpatial, []Stage{StagePerceive, StageRetrieve, StagePlan, StageReflect, StageExecute}},
		{VariantOnline, []Stage{StagePerceive, StageRetrieve, StagePlan, StageExecute, StageReflect}},
	}
	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			table := TableFor(tt.variant)
			if diff := cmp.Diff(tt.want, table.Order); diff != "" {
				t.Errorf("TableFor() order mismatch (-want +got):\n%s", diff)
			}
			for _, s := range table.Order {
				if table.Stages[s] == nil {
					t.Errorf("stage %s has no implementation", s)
				}
			}
		})
	}
}

func TestTick_FallbackProvider(t *testing.T) {
	p := persona.New(persona.Config{
		Name:       isabella,
		LivingArea: "the Ville:Isabella Rodriguez's apartment:main room",
	}, true)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)

	mv, err := NewWorkflow(VariantSpatial).Tick(context.Background(), env, p, midnight, nil)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	s := p.Scratch
	if n := len(p.Memory.Nodes(memory.KindEvent)); n != 0 {
		t.Errorf("perceived %d events, want 0", n)
	}
	if len(s.DailyScheduleHourlyOrg) == 0 {
		t.Fatal("no hourly schedule")
	}
	if got, want := s.DailyScheduleHourlyOrg[0], (persona.ScheduleItem{Task: "sleeping", Minutes: 360}); got != want {
		t.Errorf("first hourly item = %v, want %v", got, want)
	}
	if got := total(s.DailyScheduleHourlyOrg); got != minutesPerDay {
		t.Errorf("hourly schedule total = %d, want %d", got, minutesPerDay)
	}
	if !strings.HasPrefix(s.DailyReq[0], "wake up and complete the morning routine at 6:00 am") {
		t.Errorf("DailyReq[0] = %q", s.DailyReq[0])
	}
	if s.ActDescription != "sleeping" {
		t.Errorf("ActDescription = %q, want sleeping", s.ActDescription)
	}
	if s.ActEvent != (persona.Triple{isabella, "is", "sleeping"}) {
		t.Errorf("ActEvent = %v", s.ActEvent)
	}
	if want := "sleeping @ the Ville:Isabella Rodriguez's apartment:main room"; mv.Description != want {
		t.Errorf("Movement.Description = %q, want %q", mv.Description, want)
	}
	if mv.Pronunciatio != "🙂" {
		t.Errorf("Movement.Pronunciatio = %q", mv.Pronunciatio)
	}
	if n := len(p.Memory.Nodes(memory.KindThought)); n != 1 {
		t.Errorf("thoughts = %d, want the daily plan only", n)
	}
}

func TestTick_NewDayReplans(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, true)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)
	wf := NewWorkflow(VariantSpatial)
	ctx := context.Background()

	for _, now := range []time.Time{midnight, midnight.Add(10 * time.Minute), midnight.Add(24 * time.Hour)} {
		if _, err := wf.Tick(ctx, env, p, now, nil); err != nil {
			t.Fatalf("Tick(%s) error = %v", now, err)
		}
	}
	if n := len(p.Memory.Nodes(memory.KindThought)); n != 2 {
		t.Errorf("plan thoughts = %d, want one per day", n)
	}
}

func TestTick_OnlineComment(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	feed := world.NewFeed()
	id := feed.Publish("A new park opens", world.Post{Description: "A new park opens downtown"}, nil, "Be kind.", "")

	mock := llm.NewMockClient().
		WithResponse("decide_to_comment", `{"reasoning": "I love parks", "answer": "yes"}`).
		WithResponse("iterative_comment_with_policy", `{"comment": "What a lovely idea!"}`)
	env, rec := newTestEnv(mock, &world.World{Feed: feed}, p)
	wf := NewWorkflow(VariantOnline)
	ctx := context.Background()
	now := midnight.Add(10 * time.Hour)

	mv, err := wf.Tick(ctx, env, p, now, nil)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if mv.Description != "What a lovely idea!" {
		t.Errorf("Movement.Description = %q", mv.Description)
	}

	history := feed.Events()[id].History
	if len(history) != 2 || history[1].Author != isabella {
		t.Fatalf("history = %+v, want the comment appended", history)
	}
	if diff := cmp.Diff([]string{"agent_comment", "chat"}, rec.kinds); diff != "" {
		t.Errorf("published kinds mismatch (-want +got):\n%s", diff)
	}
	if got, ok := rec.msgs[0].(CommentMessage); !ok || got.EventID != id || got.Persona != isabella {
		t.Errorf("agent_comment = %#v", rec.msgs[0])
	}

	var policy bool
	for _, n := range p.Memory.Nodes(memory.KindThought) {
		if n.Predicate == "knows policy" && n.Description == "Be kind." {
			policy = true
		}
	}
	if !policy {
		t.Error("policy was not stored as a thought")
	}
	if n := len(p.Memory.Nodes(memory.KindChat)); n != 1 {
		t.Errorf("chat nodes = %d, want 1", n)
	}

	// The persona's own comment is not news to it.
	if _, err := wf.Tick(ctx, env, p, now.Add(10*time.Minute), nil); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if n := mock.CallCount("decide_to_comment"); n != 1 {
		t.Errorf("decide_to_comment calls = %d, want 1", n)
	}
}

func TestTick_OnlineDeclines(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	feed := world.NewFeed()
	id := feed.Publish("Rain expected", world.Post{Description: "Rain expected tomorrow"}, nil, "", "")

	env, rec := newTestEnv(llm.NewFallbackClient(), &world.World{Feed: feed}, p)
	if _, err := NewWorkflow(VariantOnline).Tick(context.Background(), env, p, midnight, nil); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if n := len(feed.Events()[id].History); n != 1 {
		t.Errorf("history length = %d, want 1", n)
	}
	if len(rec.kinds) != 0 {
		t.Errorf("published %v, want nothing", rec.kinds)
	}
	if n := len(p.Memory.Nodes(memory.KindEvent)); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestReflect_Trigger(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	for i, desc := range []string{"Isabella is brewing coffee", "Isabella is planning a party", "Isabella is greeting customers"} {
		if _, err := p.Memory.Add(memory.NodeSpec{
			Kind:        memory.KindEvent,
			Created:     midnight.Add(time.Duration(i) * time.Minute),
			Subject:     isabella,
			Predicate:   "is",
			Object:      desc,
			Description: desc,
			Poignancy:   5,
		}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	p.Scratch.ImportanceTriggerCurr = 0
	p.Scratch.ImportanceEleN = 3

	mock := llm.NewMockClient().
		WithResponse("focal_points", `["What is Isabella busy with?"]`).
		WithResponse("insights", `[{"insight": "Isabella is devoted to her cafe", "evidence": [1, 2]}]`)
	env, _ := newTestEnv(mock, &world.World{}, p)
	tick := &Tick{Env: env, Persona: p, Now: midnight.Add(time.Hour)}

	if err := reflect(context.Background(), tick); err != nil {
		t.Fatalf("reflect() error = %v", err)
	}

	thoughts := p.Memory.Nodes(memory.KindThought)
	if len(thoughts) != 1 {
		t.Fatalf("thoughts = %d, want 1", len(thoughts))
	}
	if thoughts[0].Description != "Isabella is devoted to her cafe" {
		t.Errorf("insight = %q", thoughts[0].Description)
	}
	if len(thoughts[0].Filling) != 2 {
		t.Errorf("evidence = %v, want 2 node ids", thoughts[0].Filling)
	}
	if thoughts[0].Expires == nil {
		t.Error("insight has no expiry")
	}
	s := p.Scratch
	if s.ImportanceTriggerCurr != s.ImportanceTriggerMax || s.ImportanceEleN != 0 {
		t.Errorf("trigger = %v/%d, want reset", s.ImportanceTriggerCurr, s.ImportanceEleN)
	}
}

func TestReflect_NotDue(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	mock := llm.NewMockClient()
	env, _ := newTestEnv(mock, &world.World{}, p)
	if err := reflect(context.Background(), &Tick{Env: env, Persona: p, Now: midnight}); err != nil {
		t.Fatalf("reflect() error = %v", err)
	}
	if n := mock.CallCount("focal_points"); n != 0 {
		t.Errorf("focal_points calls = %d, want 0", n)
	}
}

func TestReflect_AfterChat(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	s := p.Scratch
	s.ChattingWith = "Klaus Mueller"
	s.Chat = []memory.Utterance{{isabella, "Come to my party!"}, {"Klaus Mueller", "I will."}}
	s.ChattingEndTime = persona.At(midnight.Add(time.Hour))

	mock := llm.NewMockClient().
		WithResponse("planning_thought", `{"thought": "I should remind Klaus about the party."}`).
		WithResponse("memo", `{"thought": "Klaus is coming to the party."}`)
	env, _ := newTestEnv(mock, &world.World{}, p)

	if err := reflect(context.Background(), &Tick{Env: env, Persona: p, Now: midnight.Add(30 * time.Minute)}); err != nil {
		t.Fatalf("reflect() error = %v", err)
	}
	if s.ChattingWith == "" {
		t.Fatal("chat cleared before it ended")
	}

	if err := reflect(context.Background(), &Tick{Env: env, Persona: p, Now: midnight.Add(time.Hour)}); err != nil {
		t.Fatalf("reflect() error = %v", err)
	}
	if s.ChattingWith != "" || s.Chat != nil {
		t.Errorf("chat not cleared: %q %v", s.ChattingWith, s.Chat)
	}
	var got []string
	for _, n := range p.Memory.Nodes(memory.KindThought) {
		got = append(got, n.Description)
	}
	want := []string{"Klaus is coming to the party.", "For Isabella Rodriguez's planning: I should remind Klaus about the party."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("thoughts mismatch (-want +got):\n%s", diff)
	}
}

func TestWhisperAndReply(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	p.Scratch.CurrTime = persona.At(midnight)
	mock := llm.NewMockClient().
		WithResponse("whisper_thought", `{"thought": "I am hosting a Valentine's party."}`).
		WithResponse("next_line", `{"line": "I'm hosting a party on the 14th!"}`)
	env, _ := newTestEnv(mock, &world.World{}, p)
	ctx := context.Background()

	thought, err := Chat(ctx, env, p, ModeWhisper, nil, "You are hosting a party")
	if err != nil {
		t.Fatalf("Chat(whisper) error = %v", err)
	}
	if thought != "I am hosting a Valentine's party." {
		t.Errorf("whisper thought = %q", thought)
	}
	before := p.Memory.Len()

	reply, err := Chat(ctx, env, p, ModeInterview, nil, "What are you up to?")
	if err != nil {
		t.Fatalf("Chat(interview) error = %v", err)
	}
	if reply != "I'm hosting a party on the 14th!" {
		t.Errorf("reply = %q", reply)
	}
	if p.Memory.Len() != before {
		t.Errorf("interview changed memory: %d -> %d nodes", before, p.Memory.Len())
	}
	last := mock.Calls[len(mock.Calls)-1]
	if !strings.Contains(last.User, "Interviewer: What are you up to?") {
		t.Errorf("next_line prompt lacks the question:\n%s", last.User)
	}

	if _, err := Chat(ctx, env, p, ChatMode("shout"), nil, "hi"); err == nil {
		t.Error("Chat() with unknown mode succeeded")
	}
}

func TestLoadWhispers_UnknownPersona(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)
	err := LoadWhispers(context.Background(), env, []WhisperRow{
		{Persona: isabella, Whispers: []string{"you like jazz"}},
		{Persona: "Nobody", Whispers: []string{"hello"}},
	})
	if err == nil {
		t.Fatal("LoadWhispers() error = nil")
	}
	if p.Memory.Len() != 0 {
		t.Errorf("memory = %d nodes, want nothing stored", p.Memory.Len())
	}
}
