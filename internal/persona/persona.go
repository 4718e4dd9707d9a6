// Package persona defines the simulated agents: identity, working memory
// (the scratch) and the long-term memories each one owns.
package persona

import (
	"errors"
	"strings"

	"github.com/nvandessel/reverie/internal/memory"
)

// ErrUnknownPersona is returned when a command names a persona that is not
// part of the simulation.
var ErrUnknownPersona = errors.New("unknown persona")

// Config is the start-time description of a persona. Empty fields keep the
// values of the stored template.
type Config struct {
	Name         string `json:"name" yaml:"name"`
	DailyPlanReq string `json:"daily_plan_req" yaml:"daily_plan_req"`
	FirstName    string `json:"first_name" yaml:"first_name"`
	LastName     string `json:"last_name" yaml:"last_name"`
	Age          int    `json:"age" yaml:"age"`
	Innate       string `json:"innate" yaml:"innate"`
	Learned      string `json:"learned" yaml:"learned"`
	Currently    string `json:"currently" yaml:"currently"`
	Lifestyle    string `json:"lifestyle" yaml:"lifestyle"`
	LivingArea   string `json:"living_area" yaml:"living_area"`
	Bibliography string `json:"bibliography" yaml:"bibliography"`
}

// Apply copies the non-empty fields of c onto s.
func (c Config) Apply(s *Scratch) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&s.Name, c.Name)
	set(&s.DailyPlanReq, c.DailyPlanReq)
	set(&s.FirstName, c.FirstName)
	set(&s.LastName, c.LastName)
	set(&s.Innate, c.Innate)
	set(&s.Learned, c.Learned)
	set(&s.Currently, c.Currently)
	set(&s.Lifestyle, c.Lifestyle)
	set(&s.LivingArea, c.LivingArea)
	set(&s.Bibliography, c.Bibliography)
	if c.Age > 0 {
		s.Age = c.Age
	}
	if s.FirstName == "" && s.LastName == "" {
		if first, last, ok := strings.Cut(s.Name, " "); ok {
			s.FirstName, s.LastName = first, last
		} else {
			s.FirstName = s.Name
		}
	}
}

// Persona is one simulated agent. Its name is its identity. Only the
// persona's own workflow mutates it.
type Persona struct {
	Name    string
	Scratch *Scratch
	Memory  *memory.Associative

	// Spatial is nil for personas of the online variant.
	Spatial *memory.Tree
}

// New bootstraps a persona with default working memory and empty long-term
// memory. Spatial memory is created only when spatial is true.
func New(cfg Config, spatial bool) *Persona {
	s := DefaultScratch(cfg.Name)
	cfg.Apply(s)
	p := &Persona{Name: cfg.Name, Scratch: s, Memory: memory.NewAssociative()}
	if spatial {
		p.Spatial = memory.NewTree()
	}
	return p
}

// Snapshot is the persisted form of a persona.
type Snapshot struct {
	Scratch *Scratch        `json:"scratch"`
	Memory  memory.Snapshot `json:"associative_memory"`
	Spatial *memory.Tree    `json:"spatial_memory,omitempty"`
}

// Snapshot captures the persona's state.
func (p *Persona) Snapshot() Snapshot {
	sc := *p.Scratch
	return Snapshot{Scratch: &sc, Memory: p.Memory.Snapshot(), Spatial: p.Spatial}
}

// Restore rebuilds a persona from a snapshot. A missing scratch falls back to
// the defaults for name.
func Restore(name string, s Snapshot, spatial bool) *Persona {
	sc := s.Scratch
	if sc == nil {
		sc = DefaultScratch(name)
	}
	if sc.Name == "" {
		sc.Name = name
	}
	sc.normalize()
	p := &Persona{Name: name, Scratch: sc, Memory: memory.FromSnapshot(s.Memory)}
	if spatial {
		p.Spatial = s.Spatial
		if p.Spatial == nil {
			p.Spatial = memory.NewTree()
		}
	}
	return p
}
