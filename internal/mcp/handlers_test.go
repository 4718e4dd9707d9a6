package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
)

func startSim(t *testing.T, server *Server, sim string) {
	t.Helper()
	_, out, err := server.handleStart(context.Background(), nil, StartInput{SimCode: sim})
	if err != nil {
		t.Fatalf("handleStart() error = %v", err)
	}
	if out.Status.SimCode != sim {
		t.Fatalf("started %q, want %q", out.Status.SimCode, sim)
	}
}

// waitStatus polls reverie_status until cond holds.
func waitStatus(t *testing.T, server *Server, sim string, cond func(simulation.Status) bool) simulation.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, out, err := server.handleStatus(context.Background(), nil, StatusInput{SimCode: sim})
		if err != nil {
			t.Fatalf("handleStatus() error = %v", err)
		}
		if cond(out.Status) {
			return out.Status
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never matched, last %+v", out.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleStart(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()

	_, out, err := server.handleStart(ctx, nil, StartInput{
		SimCode:    "run-1",
		SecPerStep: 60,
		LLMConfig:  map[string]any{"temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("handleStart() error = %v", err)
	}
	if out.Status.Status != "started" {
		t.Errorf("Status = %q, want started", out.Status.Status)
	}
	if out.Status.Mode != "online" || out.Status.Step != 0 {
		t.Errorf("status = %+v", out.Status)
	}
	if !strings.Contains(out.Message, testTemplate) {
		t.Errorf("Message = %q, want it to name the template", out.Message)
	}
}

func TestHandleStart_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   StartInput
	}{
		{"base template as target", StartInput{SimCode: testTemplate}},
		{"path-like sim code", StartInput{SimCode: "../escape"}},
		{"missing template", StartInput{SimCode: "run-1", Template: "nope"}},
	}
	server, _, _ := setupTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := server.handleStart(context.Background(), nil, tt.in); err == nil {
				t.Error("handleStart() error = nil, want error")
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")

	tests := []struct {
		name    string
		in      CommandInput
		wantErr bool
	}{
		{"print", CommandInput{SimCode: "run-1", Command: "print current time"}, false},
		{"unknown command", CommandInput{SimCode: "run-1", Command: "dance wildly"}, true},
		{"missing payload", CommandInput{SimCode: "run-1", Command: "call -- load online event", Payloads: []string{"only one"}}, true},
		{"unknown sim", CommandInput{SimCode: "nope", Command: "run 1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out, err := server.handleCommand(ctx, nil, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("handleCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out.Queued != 1+len(tt.in.Payloads) {
				t.Errorf("Queued = %d", out.Queued)
			}
		})
	}
}

func TestHandleRun(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")

	if _, _, err := server.handleRun(ctx, nil, RunInput{SimCode: "run-1", Steps: 0}); err == nil {
		t.Error("handleRun(0) error = nil, want error")
	}
	if _, _, err := server.handleRun(ctx, nil, RunInput{SimCode: "run-1", Steps: 2}); err != nil {
		t.Fatalf("handleRun() error = %v", err)
	}
	st := waitStatus(t, server, "run-1", func(s simulation.Status) bool {
		return s.Step == 2 && s.Status == "started"
	})
	if st.CurrTime != "February 13, 2023, 00:20:00" {
		t.Errorf("CurrTime = %q", st.CurrTime)
	}
}

func TestHandleStatus_NotLoaded(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")
	server.manager.Stop("run-1")

	_, out, err := server.handleStatus(ctx, nil, StatusInput{SimCode: "run-1"})
	if err != nil {
		t.Fatalf("handleStatus() error = %v", err)
	}
	if out.Status.Status != "terminated" || out.Message != "not loaded" {
		t.Errorf("status = %+v, message %q", out.Status, out.Message)
	}
	if _, ok := server.manager.Lookup("run-1"); ok {
		t.Error("status resumed the simulation")
	}

	if _, _, err := server.handleStatus(ctx, nil, StatusInput{SimCode: "nope"}); err == nil {
		t.Error("handleStatus(nope) error = nil, want error")
	}
}

func TestHandleChat(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")

	_, out, err := server.handleChat(ctx, nil, ChatInput{
		SimCode: "run-1",
		Persona: isabella,
		Mode:    "interview",
		Msg:     "What are you up to today?",
	})
	if err != nil {
		t.Fatalf("handleChat() error = %v", err)
	}
	if out.Persona != isabella || out.Reply == "" {
		t.Errorf("output = %+v", out)
	}

	_, _, err = server.handleChat(ctx, nil, ChatInput{SimCode: "run-1", Persona: "Nobody", Msg: "hi"})
	if !errors.Is(err, persona.ErrUnknownPersona) {
		t.Errorf("handleChat(Nobody) error = %v, want ErrUnknownPersona", err)
	}
}

func TestHandlePublishEvent(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")

	if _, _, err := server.handlePublishEvent(ctx, nil, PublishEventInput{SimCode: "run-1"}); err == nil {
		t.Error("handlePublishEvent() without description error = nil, want error")
	}
	_, out, err := server.handlePublishEvent(ctx, nil, PublishEventInput{
		SimCode:     "run-1",
		Description: "The cafe hosts a poetry night",
		AccessList:  []string{isabella},
		Policy:      "Open mic sign-up at 6pm",
	})
	if err != nil {
		t.Fatalf("handlePublishEvent() error = %v", err)
	}
	if out.Queued != 5 {
		t.Errorf("Queued = %d, want 5", out.Queued)
	}

	in, ok := server.manager.Lookup("run-1")
	if !ok {
		t.Fatal("run-1 not live")
	}
	deadline := time.Now().Add(5 * time.Second)
	for in.Sim.World().Feed.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ev := in.Sim.World().Feed.Events()[0]
	if ev.Description != "The cafe hosts a poetry night" || ev.Policy != "Open mic sign-up at 6pm" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandlePersona(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")

	_, list, err := server.handlePersona(ctx, nil, PersonaInput{SimCode: "run-1"})
	if err != nil {
		t.Fatalf("handlePersona() error = %v", err)
	}
	if len(list.Personas) != 1 || list.Personas[0] != isabella {
		t.Errorf("Personas = %v", list.Personas)
	}

	_, detail, err := server.handlePersona(ctx, nil, PersonaInput{SimCode: "run-1", Persona: isabella})
	if err != nil {
		t.Fatalf("handlePersona(%s) error = %v", isabella, err)
	}
	if detail.Scratch["name"] != isabella {
		t.Errorf("scratch name = %v", detail.Scratch["name"])
	}

	if _, _, err := server.handlePersona(ctx, nil, PersonaInput{SimCode: "run-1", Persona: "Nobody"}); err == nil {
		t.Error("handlePersona(Nobody) error = nil, want error")
	}
}

func TestHandleTemplatesResource(t *testing.T) {
	server, _, _ := setupTestServer(t)
	startSim(t, server, "run-1")

	res, err := server.handleTemplatesResource(context.Background(), nil)
	if err != nil {
		t.Fatalf("handleTemplatesResource() error = %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].URI != templatesURI {
		t.Fatalf("contents = %+v", res.Contents)
	}
	var got []templateSummary
	if err := json.Unmarshal([]byte(res.Contents[0].Text), &got); err != nil {
		t.Fatalf("decoding templates: %v", err)
	}
	codes := map[string]string{}
	for _, s := range got {
		codes[s.SimCode] = s.TemplateSimCode
	}
	if _, ok := codes[testTemplate]; !ok {
		t.Errorf("templates missing %s: %v", testTemplate, codes)
	}
	if codes["run-1"] != testTemplate {
		t.Errorf("run-1 template = %q, want %q", codes["run-1"], testTemplate)
	}
}

func TestHandlers_RateLimited(t *testing.T) {
	server, _, _ := setupTestServer(t, func(c *Config) {
		c.Limits = ratelimit.NewLimits(0.01, 1)
	})
	ctx := context.Background()
	startSim(t, server, "run-1")

	if _, _, err := server.handleRun(ctx, nil, RunInput{SimCode: "run-1", Steps: 1}); err != nil {
		t.Fatalf("first handleRun() error = %v", err)
	}
	_, _, err := server.handleRun(ctx, nil, RunInput{SimCode: "run-1", Steps: 1})
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Errorf("second handleRun() error = %v, want ErrLimited", err)
	}
}

func TestHandlers_Audited(t *testing.T) {
	server, _, auditPath := setupTestServer(t)
	ctx := context.Background()
	startSim(t, server, "run-1")
	server.handleRun(ctx, nil, RunInput{SimCode: "run-1", Steps: 0})
	server.audit.Close()

	entries := readAudit(t, auditPath)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Tool != "reverie_start" || entries[0].Status != "success" || entries[0].SimCode != "run-1" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Tool != "reverie_run" || entries[1].Status != "error" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
}
