package world

import (
	"sync"
	"time"
)

// PlanningState is the persisted form of a Planning cycle.
type PlanningState struct {
	// Cycle is the number of days one stage plan covers.
	Cycle int `json:"planning_cycle"`

	// LastDay is the last calendar day covered by the current stage plan.
	LastDay time.Time `json:"last_planning_day"`

	// Needed is set when the calendar passes LastDay.
	Needed bool `json:"need_stagely_planning"`
}

// Planning tracks the multi-day stage-planning cycle shared by all personas.
type Planning struct {
	mu sync.Mutex
	s  PlanningState
}

// NewPlanning starts a cycle whose first stage plan is due on the day of now.
func NewPlanning(cycle int, now time.Time) *Planning {
	if cycle <= 0 {
		cycle = 1
	}
	return &Planning{s: PlanningState{Cycle: cycle, LastDay: startOfDay(now).AddDate(0, 0, -1), Needed: true}}
}

// RestorePlanning rebuilds a cycle from its persisted state.
func RestorePlanning(s PlanningState) *Planning {
	if s.Cycle <= 0 {
		s.Cycle = 1
	}
	return &Planning{s: s}
}

// State returns a copy of the cycle's state.
func (p *Planning) State() PlanningState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

// Observe marks a stage plan as needed when now falls after LastDay.
func (p *Planning) Observe(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if startOfDay(now).After(startOfDay(p.s.LastDay)) {
		p.s.Needed = true
	}
}

// NeedStagePlanning reports whether a stage plan is due.
func (p *Planning) NeedStagePlanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s.Needed
}

// Window returns the first and last day the next stage plan covers.
func (p *Planning) Window() (first, last time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s.LastDay.AddDate(0, 0, 1), p.s.LastDay.AddDate(0, 0, p.s.Cycle)
}

// Advance records that a stage plan now covers the next Cycle days.
func (p *Planning) Advance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.LastDay = startOfDay(p.s.LastDay).AddDate(0, 0, p.s.Cycle)
	p.s.Needed = false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// World is the shared state handed to every persona's workflow.
type World struct {
	// Maze is nil in the online variant.
	Maze     *Maze
	Feed     *Feed
	Planning *Planning
}
