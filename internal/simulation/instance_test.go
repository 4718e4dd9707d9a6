package simulation

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/store"
)

// lockedBuffer is an io.Writer safe to read while the interpreter writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newInstance(t *testing.T, opts InstanceOptions) (*Instance, *lockedBuffer) {
	t.Helper()
	s := store.NewMemoryStore()
	seedTemplate(t, s, template, store.ModeOnline)
	sim, err := New(context.Background(), testDeps(t, s), template, Config{SimCode: "interp"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out := &lockedBuffer{}
	opts.Output = out
	in := NewInstance(sim, protocol.NewOutbox(nil, 16), opts)
	t.Cleanup(func() {
		if err := in.Shutdown(time.Second); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return in, out
}

// waitOutput waits until the printed output contains want.
func waitOutput(t *testing.T, out *lockedBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output never contained %q, got:\n%s", want, out.String())
}

func TestInstance_SurvivesBadCommands(t *testing.T) {
	in, out := newInstance(t, InstanceOptions{
		Handlers: map[protocol.Kind]Handler{
			protocol.KindSave: func(context.Context, *Instance, protocol.Command, []string) error {
				panic("disk on fire")
			},
		},
	})

	in.Submit("dance wildly", "", "save", "print persona schedule Nobody", "run 1", "print current time")
	waitOutput(t, out, "steps: 1")
	if !strings.Contains(out.String(), "February 13, 2023, 00:10:00") {
		t.Errorf("output = %q", out.String())
	}
}

func TestInstance_ChatToPersona(t *testing.T) {
	in, _ := newInstance(t, InstanceOptions{})
	got := make(chan cognition.ChatMessage, 1)
	in.Outbox.Register(protocol.ListenerFunc(func(e protocol.Envelope) error {
		if msg, ok := e.Message.(cognition.ChatMessage); ok && e.Type == protocol.TypeChat {
			select {
			case got <- msg:
			default:
			}
		}
		return nil
	}))

	in.Submit("call -- chat to persona "+isabella, `{"mode": "interview", "msg": "How was your day?"}`)
	select {
	case msg := <-got:
		if msg.Sender != isabella || msg.Role != "agent" || msg.Type != "private" {
			t.Errorf("chat envelope = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chat envelope")
	}
}

func TestInstance_LoadEvent(t *testing.T) {
	in, out := newInstance(t, InstanceOptions{})

	in.Submit(
		"call -- with policy load online event",
		"The town hall opens a food bank",
		isabella+", Klaus Mueller",
		"Volunteers sign up at the front desk",
		"print current time",
	)
	waitOutput(t, out, "steps: 0")

	events := in.Sim.World().Feed.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Description != "The town hall opens a food bank" || ev.Policy != "Volunteers sign up at the front desk" {
		t.Errorf("event = %+v", ev)
	}
	if diff := cmp.Diff([]string{isabella, "Klaus Mueller"}, ev.AccessList); diff != "" {
		t.Errorf("access list mismatch (-want +got):\n%s", diff)
	}
}

func TestInstance_LoadHistory(t *testing.T) {
	assets := t.TempDir()
	csv := "Name,Whisper\n" + isabella + ",You love hosting parties; You are planning a Valentine's party\n"
	if err := os.WriteFile(filepath.Join(assets, "history.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	in, out := newInstance(t, InstanceOptions{AssetsDir: assets})

	in.Submit("call -- load history history.csv", "print persona associative memory thought "+isabella)
	waitOutput(t, out, "Valentine's party")

	p, err := in.Sim.Persona(isabella)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(p.Memory.Nodes(memory.KindThought)); n != 2 {
		t.Errorf("thoughts = %d, want 2", n)
	}
}

func TestInstance_WhisperAndAnalysis(t *testing.T) {
	in, out := newInstance(t, InstanceOptions{})

	in.Submit(
		"call -- whisper "+isabella, "You adore jazz",
		"call -- analysis "+isabella, "What do you like?", protocol.EndConversation,
		"print current time",
	)
	waitOutput(t, out, "steps: 0")
	if !strings.Contains(out.String(), "You adore jazz") {
		t.Errorf("whisper output missing, got:\n%s", out.String())
	}
}

func TestInstance_FinishStopsLoop(t *testing.T) {
	in, _ := newInstance(t, InstanceOptions{})

	in.Submit("save and finish", "run 5")
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("interpreter still running after finish")
	}
	if got := in.Sim.State(); got != StateTerminating {
		t.Errorf("State() = %v, want terminated", got)
	}
	if c := in.Sim.Clock(); c.Step != 0 {
		t.Errorf("ran %d steps after finish", c.Step)
	}
}

func TestInstance_QueuedFinishInterruptsRun(t *testing.T) {
	in, _ := newInstance(t, InstanceOptions{})

	in.Submit("run 1000", "fin")
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("interpreter still running after finish")
	}
	if c := in.Sim.Clock(); c.Step != 1 {
		t.Errorf("Step = %d, want the run to stop after one step", c.Step)
	}
	if got := in.Sim.State(); got != StateTerminating {
		t.Errorf("State() = %v, want terminated", got)
	}
}

func TestReadHistory(t *testing.T) {
	data := `Name,Whisper
Isabella Rodriguez,"You like coffee; you own Hobbs Cafe ;"
Klaus Mueller
Maria Lopez,
`
	rows, err := ReadHistory(strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadHistory() error = %v", err)
	}
	want := []cognition.WhisperRow{
		{Persona: isabella, Whispers: []string{"You like coffee", "you own Hobbs Cafe"}},
		{Persona: "Maria Lopez"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("ReadHistory() mismatch (-want +got):\n%s", diff)
	}
}
