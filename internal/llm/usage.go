package llm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Stat aggregates LLM attempts for one function or for all of them.
type Stat struct {
	Requests         int           `json:"requests"`
	Successes        int           `json:"successes"`
	Failsafes        int           `json:"failsafes"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
}

func (s *Stat) add(o Stat) {
	s.Requests += o.Requests
	s.Successes += o.Successes
	s.Failsafes += o.Failsafes
	s.PromptTokens += o.PromptTokens
	s.CompletionTokens += o.CompletionTokens
	s.Duration += o.Duration
}

// Usage collects per-function and global statistics. The zero value is ready
// to use and safe for concurrent use.
type Usage struct {
	mu     sync.Mutex
	total  Stat
	byFunc map[string]*Stat
}

// Record adds one observation for function.
func (u *Usage) Record(function string, s Stat) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.byFunc == nil {
		u.byFunc = make(map[string]*Stat)
	}
	fs, ok := u.byFunc[function]
	if !ok {
		fs = &Stat{}
		u.byFunc[function] = fs
	}
	fs.add(s)
	u.total.add(s)
}

// Total returns the global aggregate.
func (u *Usage) Total() Stat {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Snapshot returns a copy of the per-function aggregates.
func (u *Usage) Snapshot() map[string]Stat {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]Stat, len(u.byFunc))
	for k, v := range u.byFunc {
		out[k] = *v
	}
	return out
}

// Table renders the statistics sorted by function name with a total row.
func (u *Usage) Table() string {
	snap := u.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	row := func(name string, s Stat) []string {
		return []string{
			name,
			fmt.Sprint(s.Requests),
			fmt.Sprint(s.Successes),
			fmt.Sprint(s.Failsafes),
			fmt.Sprint(s.PromptTokens),
			fmt.Sprint(s.CompletionTokens),
			s.Duration.Round(time.Millisecond).String(),
		}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FUNCTION", "REQUESTS", "OK", "FAILSAFE", "PROMPT TOK", "COMPLETION TOK", "DURATION")
	for _, name := range names {
		t.Row(row(name, snap[name])...)
	}
	t.Row(row("TOTAL", u.Total())...)
	return t.String()
}
