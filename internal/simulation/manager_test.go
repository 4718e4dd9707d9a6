package simulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/pool"
	"github.com/nvandessel/reverie/internal/store"
)

func newManager(t *testing.T, max int) (*Manager, store.Store) {
	t.Helper()
	return newManagerWithClient(t, max, llm.NewFallbackClient())
}

func newManagerWithClient(t *testing.T, max int, client llm.Client) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	seedTemplate(t, s, template, store.ModeOnline)
	l := &Launcher{
		Store:           s,
		Client:          client,
		Embedder:        llm.NewHashEmbedder(llm.DefaultHashDimensions),
		InvokerConfig:   llm.InvokerConfig{MaxRetries: 1},
		StorageRoot:     t.TempDir(),
		BaseTemplates:   []string{template},
		Seed:            1,
		ShutdownTimeout: time.Second,
	}
	m := NewManager(l, pool.Config{MaxInstances: max})
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return m, s
}

func TestManager_StartAndInstance(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 4)

	in, err := m.Start(ctx, template, Config{SimCode: "m1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	got, err := m.Instance(ctx, "m1")
	if err != nil {
		t.Fatalf("Instance() error = %v", err)
	}
	if got != in {
		t.Error("Instance() returned a different instance than Start()")
	}
	if _, ok := m.Lookup("m1"); !ok {
		t.Error("Lookup(m1) = false, want true")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManager_StartDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := llm.NewMockClient().WithResponder(func(llm.Request) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return "", errors.New("no reply")
	})
	m, _ := newManagerWithClient(t, 4, client)

	started := make(chan error, 1)
	go func() {
		_, err := m.Start(ctx, template, Config{
			SimCode: "slow",
			PublicEvents: []cognition.EventSpec{
				{Description: "The town hall vote moved to Friday"},
			},
		})
		started <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("Start never reached the model")
	}

	lenDone := make(chan int, 1)
	go func() { lenDone <- m.Len() }()
	select {
	case n := <-lenDone:
		if n != 0 {
			t.Errorf("Len() = %d while slow is still starting, want 0", n)
		}
	case <-time.After(time.Second):
		t.Error("Len() blocked while another session's Start waited on the model")
	}

	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, ok := m.Lookup("slow"); !ok {
		t.Error("slow not admitted after Start returned")
	}
}

func TestManager_StartReplacesLiveInstance(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 4)

	first, err := m.Start(ctx, template, Config{SimCode: "m1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second, err := m.Start(ctx, template, Config{SimCode: "m1"})
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if first == second {
		t.Fatal("second Start() reused the live instance")
	}
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replaced instance still running")
	}
}

func TestManager_ResumesStoredSimulation(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t, 4)

	in, err := m.Start(ctx, template, Config{SimCode: "m1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := in.Sim.Run(ctx, 2); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := in.Sim.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !m.Stop("m1") {
		t.Fatal("Stop(m1) = false, want true")
	}
	if _, ok := m.Lookup("m1"); ok {
		t.Fatal("m1 still live after Stop")
	}

	resumed, err := m.Instance(ctx, "m1")
	if err != nil {
		t.Fatalf("Instance() error = %v", err)
	}
	if c := resumed.Sim.Clock(); c.Step != 2 {
		t.Errorf("resumed Step = %d, want 2", c.Step)
	}
	if ok, _ := s.Exists(ctx, "m1"); !ok {
		t.Error("m1 missing from store")
	}
}

func TestManager_Errors(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 4)

	if _, err := m.Instance(ctx, "nope"); err == nil {
		t.Error("Instance(nope) error = nil, want error")
	}
	if _, err := m.Instance(ctx, "../etc"); err == nil {
		t.Error("Instance(../etc) error = nil, want error")
	}
	if _, err := m.Instance(ctx, template); !errors.Is(err, ErrProtectedTemplate) {
		t.Errorf("Instance(template) error = %v, want ErrProtectedTemplate", err)
	}
	if _, err := m.Start(ctx, template, Config{SimCode: template}); err == nil {
		t.Error("Start() onto the template error = nil, want error")
	}
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 1)

	a, err := m.Start(ctx, template, Config{SimCode: "a"})
	if err != nil {
		t.Fatalf("Start(a) error = %v", err)
	}
	if _, err := m.Start(ctx, template, Config{SimCode: "b"}); err != nil {
		t.Fatalf("Start(b) error = %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("evicted instance still running")
	}
}

func TestManager_Templates(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 4)
	if _, err := m.Start(ctx, template, Config{SimCode: "m1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	metas, err := m.Templates(ctx)
	if err != nil {
		t.Fatalf("Templates() error = %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("Templates() returned %d, want 2", len(metas))
	}
	snap, err := m.Template(ctx, "m1")
	if err != nil {
		t.Fatalf("Template() error = %v", err)
	}
	if snap.Meta.TemplateSimCode != template {
		t.Errorf("TemplateSimCode = %q, want %q", snap.Meta.TemplateSimCode, template)
	}
}
