package mcp

import (
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/simulation"
)

// StartInput defines the input for reverie_start.
type StartInput struct {
	SimCode       string           `json:"sim_code" jsonschema:"Code of the new simulation"`
	Template      string           `json:"template,omitempty" jsonschema:"Stored simulation to fork (default: the first base template)"`
	SimMode       string           `json:"sim_mode,omitempty" jsonschema:"offline (tile map) or online (social feed)"`
	StartDate     string           `json:"start_date,omitempty" jsonschema:"New start date, e.g. February 13, 2023"`
	SecPerStep    int              `json:"sec_per_step,omitempty" jsonschema:"Simulated seconds per step"`
	LLMConfig     map[string]any   `json:"llm_config,omitempty" jsonschema:"Sampling overrides such as model and temperature"`
	Personas      []persona.Config `json:"persona_configs,omitempty" jsonschema:"Persona overrides or additions"`
	InitialRounds int              `json:"initial_rounds,omitempty" jsonschema:"Steps to run right after start"`
}

// StatusInput names a simulation.
type StatusInput struct {
	SimCode string `json:"sim_code" jsonschema:"Simulation code"`
}

// CommandInput defines the input for reverie_command.
type CommandInput struct {
	SimCode  string   `json:"sim_code" jsonschema:"Simulation code"`
	Command  string   `json:"command" jsonschema:"Interpreter command, e.g. print current time"`
	Payloads []string `json:"payloads,omitempty" jsonschema:"Lines queued after the command (event text, whispers, end_convo)"`
}

// CommandOutput reports a queued command.
type CommandOutput struct {
	Queued  int    `json:"queued" jsonschema:"Lines queued"`
	Pending int    `json:"pending" jsonschema:"Lines waiting in the queue"`
	Message string `json:"message"`
}

// RunInput defines the input for reverie_run.
type RunInput struct {
	SimCode string `json:"sim_code" jsonschema:"Simulation code"`
	Steps   int    `json:"steps" jsonschema:"Number of steps to run"`
}

// ChatInput defines the input for reverie_chat.
type ChatInput struct {
	SimCode  string             `json:"sim_code" jsonschema:"Simulation code"`
	Persona  string             `json:"persona" jsonschema:"Persona to talk to"`
	Mode     string             `json:"mode,omitempty" jsonschema:"analysis (default) or interview"`
	PrevMsgs []memory.Utterance `json:"prev_msgs,omitempty" jsonschema:"Earlier turns as [speaker, text] pairs"`
	Msg      string             `json:"msg" jsonschema:"Message to the persona"`
}

// ChatOutput carries the persona's reply.
type ChatOutput struct {
	Persona string `json:"persona"`
	Reply   string `json:"reply"`
}

// PublishEventInput defines the input for reverie_publish_event.
type PublishEventInput struct {
	SimCode     string   `json:"sim_code" jsonschema:"Simulation code"`
	Description string   `json:"description" jsonschema:"Event text"`
	AccessList  []string `json:"access_list,omitempty" jsonschema:"Personas who may see the event (empty: everyone)"`
	Policy      string   `json:"policy,omitempty" jsonschema:"Policy text attached to the event"`
	Websearch   string   `json:"websearch,omitempty" jsonschema:"Web search context attached to the event"`
}

// PersonaInput defines the input for reverie_persona.
type PersonaInput struct {
	SimCode string `json:"sim_code" jsonschema:"Simulation code"`
	Persona string `json:"persona,omitempty" jsonschema:"Persona name (empty lists the personas)"`
}

// PersonaOutput is a persona's scratch as of the last completed step, or
// the persona list.
type PersonaOutput struct {
	Personas []string       `json:"personas,omitempty"`
	Scratch  map[string]any `json:"scratch,omitempty"`
}

// StatusOutput reports a simulation's state and queue depth.
type StatusOutput struct {
	Status  simulation.Status `json:"status"`
	Pending int               `json:"pending"`
	Message string            `json:"message,omitempty"`
}
