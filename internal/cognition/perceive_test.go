package cognition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

func publishAll(feed *world.Feed, descriptions ...string) {
	for _, d := range descriptions {
		feed.Publish(d, world.Post{Description: d}, nil, "", "")
	}
}

func unreadDescriptions(feed *world.Feed, name string) []string {
	var out []string
	for _, u := range feed.Peek(name, 0) {
		for _, p := range u.Posts {
			out = append(out, p.Description)
		}
	}
	return out
}

func TestPerceiveOnline_Bandwidth(t *testing.T) {
	tests := []struct {
		name       string
		bandwidth  int
		wantRead   int
		wantUnread []string
	}{
		{name: "capped", bandwidth: 2, wantRead: 2, wantUnread: []string{"bridge closed"}},
		{name: "wider than feed", bandwidth: 8, wantRead: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := persona.New(persona.Config{Name: isabella}, false)
			p.Scratch.AttBandwidth = tt.bandwidth
			feed := world.NewFeed()
			publishAll(feed, "park opens", "rain expected", "bridge closed")
			env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{Feed: feed}, p)

			tick := &Tick{Env: env, Persona: p, Now: midnight}
			if err := perceiveOnline(context.Background(), tick); err != nil {
				t.Fatalf("perceiveOnline() error = %v", err)
			}
			if len(tick.Perceived) != tt.wantRead {
				t.Errorf("perceived %d posts, want %d", len(tick.Perceived), tt.wantRead)
			}
			if n := len(p.Memory.Nodes(memory.KindEvent)); n != tt.wantRead {
				t.Errorf("event nodes = %d, want %d", n, tt.wantRead)
			}
			if diff := cmp.Diff(tt.wantUnread, unreadDescriptions(feed, isabella)); diff != "" {
				t.Errorf("unread posts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPerceiveOnline_FailedRememberKeepsPostsUnread(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, false)
	feed := world.NewFeed()
	publishAll(feed, "park opens", "rain expected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	mock := llm.NewMockClient().WithResponder(func(req llm.Request) (string, error) {
		if req.Function != "poignancy" {
			return "", nil
		}
		calls++
		if calls == 2 {
			cancel()
			return "", context.Canceled
		}
		return `{"rating": 4}`, nil
	})
	env, _ := newTestEnv(mock, &world.World{Feed: feed}, p)

	tick := &Tick{Env: env, Persona: p, Now: midnight}
	if err := perceiveOnline(ctx, tick); err == nil {
		t.Fatal("perceiveOnline() error = nil, want the cancellation")
	}
	if diff := cmp.Diff([]string{"rain expected"}, unreadDescriptions(feed, isabella)); diff != "" {
		t.Errorf("unread posts mismatch (-want +got):\n%s", diff)
	}

	// The next tick picks the post up again.
	tick = &Tick{Env: env, Persona: p, Now: midnight.Add(10 * time.Minute)}
	if err := perceiveOnline(context.Background(), tick); err != nil {
		t.Fatalf("retry perceiveOnline() error = %v", err)
	}
	if len(tick.Perceived) != 1 || tick.Perceived[0].Node.Description != "rain expected" {
		t.Errorf("retry perceived %+v, want the unread post", tick.Perceived)
	}
	if got := unreadDescriptions(feed, isabella); len(got) != 0 {
		t.Errorf("unread after retry = %v, want none", got)
	}
}

func TestTick_ForgetsExpiredMemories(t *testing.T) {
	p := persona.New(persona.Config{Name: isabella}, true)
	env, _ := newTestEnv(llm.NewFallbackClient(), &world.World{}, p)

	expires := midnight.Add(time.Hour)
	for i := range 3 {
		if _, err := p.Memory.Add(memory.NodeSpec{
			Kind:        memory.KindThought,
			Created:     midnight.Add(-time.Hour),
			Expires:     &expires,
			Subject:     isabella,
			Predicate:   "plans",
			Object:      "party",
			Description: fmt.Sprintf("short-lived plan %d", i),
			Keywords:    []string{"party"},
			Poignancy:   3,
		}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	now := midnight.Add(2 * time.Hour)
	if _, err := NewWorkflow(VariantSpatial).Tick(context.Background(), env, p, now, nil); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if n := p.Memory.ForgetExpired(now); n != 0 {
		t.Errorf("ForgetExpired() after Tick = %d, want 0", n)
	}
	if _, ok := p.Memory.Get("node_1"); !ok {
		t.Error("expired node should remain addressable by id")
	}
}
