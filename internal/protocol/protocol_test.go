package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"run 3", Command{Kind: KindRun, Text: "run 3", Steps: 3}},
		{"  RUN   10 ", Command{Kind: KindRun, Text: "RUN 10", Steps: 10}},
		{"save", Command{Kind: KindSave, Text: "save"}},
		{"f", Command{Kind: KindFinish, Text: "f"}},
		{"Save and Finish", Command{Kind: KindFinish, Text: "Save and Finish"}},
		{"exit", Command{Kind: KindExit, Text: "exit"}},
		{"print persona schedule Isabella Rodriguez", Command{Kind: KindPrint, Text: "print persona schedule Isabella Rodriguez", Print: PrintSchedule, Persona: "Isabella Rodriguez"}},
		{"print all persona schedule", Command{Kind: KindPrint, Text: "print all persona schedule", Print: PrintAllSchedules}},
		{"print hourly org persona schedule Klaus Mueller", Command{Kind: KindPrint, Text: "print hourly org persona schedule Klaus Mueller", Print: PrintHourlySchedule, Persona: "Klaus Mueller"}},
		{"print persona current tile Klaus Mueller", Command{Kind: KindPrint, Text: "print persona current tile Klaus Mueller", Print: PrintCurrentTile, Persona: "Klaus Mueller"}},
		{"print persona chatting with buffer Klaus Mueller", Command{Kind: KindPrint, Text: "print persona chatting with buffer Klaus Mueller", Print: PrintChatBuffer, Persona: "Klaus Mueller"}},
		{"print persona associative memory Thought Klaus Mueller", Command{Kind: KindPrint, Text: "print persona associative memory Thought Klaus Mueller", Print: PrintAssociative, MemoryKind: "thought", Persona: "Klaus Mueller"}},
		{"print persona spatial memory Klaus Mueller", Command{Kind: KindPrint, Text: "print persona spatial memory Klaus Mueller", Print: PrintSpatial, Persona: "Klaus Mueller"}},
		{"print current time", Command{Kind: KindPrint, Text: "print current time", Print: PrintCurrentTime}},
		{"print tile event 58, 9", Command{Kind: KindPrint, Text: "print tile event 58, 9", Print: PrintTileEvent, X: 58, Y: 9}},
		{"print tile details 3,4", Command{Kind: KindPrint, Text: "print tile details 3,4", Print: PrintTileDetails, X: 3, Y: 4}},
		{"print LLM stats", Command{Kind: KindPrint, Text: "print LLM stats", Print: PrintLLMStats}},
		{"call -- analysis Isabella Rodriguez", Command{Kind: KindAnalysis, Text: "call -- analysis Isabella Rodriguez", Persona: "Isabella Rodriguez"}},
		{"call -- whisper Isabella Rodriguez", Command{Kind: KindWhisper, Text: "call -- whisper Isabella Rodriguez", Persona: "Isabella Rodriguez"}},
		{"call -- chat to persona Isabella Rodriguez", Command{Kind: KindChatToPersona, Text: "call -- chat to persona Isabella Rodriguez", Persona: "Isabella Rodriguez"}},
		{"call -- load online event", Command{Kind: KindLoadEvent, Text: "call -- load online event"}},
		{"call -- with policy load online event", Command{Kind: KindLoadEvent, Text: "call -- with policy load online event", Policy: true}},
		{"call -- with websearch load online event", Command{Kind: KindLoadEvent, Text: "call -- with websearch load online event", Websearch: true}},
		{"call -- with policy and websearch load online event", Command{Kind: KindLoadEvent, Text: "call -- with policy and websearch load online event", Policy: true, Websearch: true}},
		{"call -- load history data/history.csv", Command{Kind: KindLoadHistory, Text: "call -- load history data/history.csv", Path: "data/history.csv"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_Unknown(t *testing.T) {
	for _, line := range []string{"", "dance", "run", "run many", "running 3", "print tile event 3", "print persona associative memory dreams Klaus", "call -- load online event now"} {
		got, err := Parse(line)
		if !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("Parse(%q) error = %v, want ErrUnknownCommand", line, err)
		}
		if got.Kind != KindUnknown {
			t.Errorf("Parse(%q) kind = %v, want unknown", line, got.Kind)
		}
	}
}

func TestCommand_Payloads(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"run 1", 0},
		{"call -- chat to persona Klaus Mueller", 1},
		{"call -- load online event", 2},
		{"call -- with policy load online event", 3},
		{"call -- with websearch load online event", 3},
		{"call -- with policy and websearch load online event", 4},
	}
	for _, tt := range tests {
		c, err := Parse(tt.line)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.line, err)
		}
		if got := c.Payloads(); got != tt.want {
			t.Errorf("%q Payloads() = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestCommand_Stops(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"fin", true},
		{"save and finish", true},
		{"exit", true},
		{"save", false},
		{"run 3", false},
	}
	for _, tt := range tests {
		c, err := Parse(tt.line)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.line, err)
		}
		if got := c.Stops(); got != tt.want {
			t.Errorf("%q Stops() = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestQueue_Peek(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Peek(); ok {
		t.Error("Peek() on empty queue succeeded")
	}
	q.Push("run 1", "fin")
	for range 2 {
		if line, ok := q.Peek(); !ok || line != "run 1" {
			t.Errorf("Peek() = %q, %v, want run 1", line, ok)
		}
	}
	if n := q.Len(); n != 2 {
		t.Errorf("Len() after Peek = %d, want 2", n)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Push("a", "b")
	q.Push("c")
	ctx := context.Background()
	var got []string
	for range 3 {
		line, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		got = append(got, line)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Pop() order mismatch (-want +got):\n%s", diff)
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue succeeded")
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan string)
	go func() {
		line, _ := q.Pop(context.Background())
		got <- line
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push("run 1")
	select {
	case line := <-got:
		if line != "run 1" {
			t.Errorf("Pop() = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop() did not wake up")
	}
}

func TestQueue_ManyConsumers(t *testing.T) {
	q := NewQueue()
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				line, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[line] = true
				mu.Unlock()
			}
		}()
	}
	for i := range n {
		q.Push(string(rune('A' + i)))
	}
	deadline := time.Now().Add(time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	wg.Wait()
	if len(seen) != n {
		t.Errorf("consumed %d distinct lines, want %d", len(seen), n)
	}
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want deadline exceeded", err)
	}
	q.Close()
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() after Close error = %v, want ErrQueueClosed", err)
	}
}

type collector struct {
	mu   sync.Mutex
	got  []Envelope
	fail bool
	shut bool
}

func (c *collector) Send(e Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, e)
	return nil
}

func (c *collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shut = true
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOutbox_RetainsUntilListener(t *testing.T) {
	o := NewOutbox(nil, 4, WithRetryDelay(5*time.Millisecond))
	defer o.Close(time.Second)

	for i := range 10 {
		o.Publish(TypeLog, i)
	}
	time.Sleep(20 * time.Millisecond)

	c := &collector{}
	o.Register(c)
	waitFor(t, func() bool { return c.count() == 10 })

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.got {
		if e.Type != TypeLog || e.Message != i {
			t.Errorf("envelope %d = %+v", i, e)
		}
	}
}

func TestOutbox_PrunesFailingListener(t *testing.T) {
	o := NewOutbox(nil, 4, WithRetryDelay(5*time.Millisecond))
	defer o.Close(time.Second)

	bad := &collector{fail: true}
	good := &collector{}
	o.Register(bad)
	o.Register(good)
	o.Publish(TypeStatus, "running")

	waitFor(t, func() bool { return good.count() == 1 })
	waitFor(t, func() bool { return o.Listeners() == 1 })
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.shut {
		t.Error("pruned listener was not closed")
	}
}

func TestOutbox_CloseClosesListeners(t *testing.T) {
	o := NewOutbox(nil, 1)
	c := &collector{}
	o.Register(c)
	if err := o.Close(time.Second); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !c.shut {
		t.Error("listener not closed")
	}
	o.Publish(TypeLog, "after close")
	if err := o.Close(time.Second); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
