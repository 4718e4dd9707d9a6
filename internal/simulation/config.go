package simulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/persona"
)

var (
	// ErrProtectedTemplate is returned when a new simulation would overwrite
	// a protected base template.
	ErrProtectedTemplate = errors.New("simulation code is a protected base template")

	// ErrBusy is returned by Run while a run is already in progress.
	ErrBusy = errors.New("simulation is already running")

	// ErrTerminated is returned by operations on a finished simulation.
	ErrTerminated = errors.New("simulation terminated")
)

// Config is the start-time configuration of a simulation forked from a
// template. Zero fields inherit the template's stored values.
type Config struct {
	SimCode    string         `json:"sim_code" yaml:"sim_code"`
	SimMode    string         `json:"sim_mode,omitempty" yaml:"sim_mode,omitempty"`
	StartDate  string         `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	CurrTime   string         `json:"curr_time,omitempty" yaml:"curr_time,omitempty"`
	SecPerStep int            `json:"sec_per_step,omitempty" yaml:"sec_per_step,omitempty"`
	MazeName   string         `json:"maze_name,omitempty" yaml:"maze_name,omitempty"`
	LLMConfig  map[string]any `json:"llm_config,omitempty" yaml:"llm_config,omitempty"`
	Direction  string         `json:"direction,omitempty" yaml:"direction,omitempty"`

	// Personas overrides identity fields of template personas and adds
	// personas the template does not have.
	Personas []persona.Config `json:"persona_configs,omitempty" yaml:"persona_configs,omitempty"`

	// PublicEvents are published when an online simulation starts.
	PublicEvents []cognition.EventSpec `json:"public_events,omitempty" yaml:"public_events,omitempty"`

	// InitialRounds is the number of ticks run right after start.
	InitialRounds int `json:"initial_rounds,omitempty" yaml:"initial_rounds,omitempty"`
}

// LoadConfig reads a start configuration. Comments and trailing commas are
// allowed.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading start config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing start config %s: %w", path, err)
	}
	return &cfg, nil
}

// State is the lifecycle state of a simulation.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateTerminating
)

// String returns the status word reported to clients.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "started"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Clock is the simulated time. Now is always Start plus the seconds of the
// steps taken since Start.
type Clock struct {
	Start      time.Time
	Now        time.Time
	Step       int
	SecPerStep int
}

// Advance moves the clock one step forward.
func (c *Clock) Advance() {
	c.Step++
	c.Now = c.Now.Add(time.Duration(c.SecPerStep) * time.Second)
}
