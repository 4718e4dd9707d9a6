package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
)

const templatesURI = "reverie://templates"

// registerTools registers every reverie tool with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_start",
		Description: "Fork a stored template into a new simulation and start its interpreter",
	}, s.handleStart)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_command",
		Description: "Queue an interpreter command (run, save, finish, print ..., call -- ...) with its payload lines",
	}, s.handleCommand)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_run",
		Description: "Queue a number of simulation steps",
	}, s.handleRun)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_status",
		Description: "Report a simulation's state, step and clock",
	}, s.handleStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_chat",
		Description: "Talk to a persona and wait for the reply",
	}, s.handleChat)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_publish_event",
		Description: "Publish an event to the social feed of an online simulation",
	}, s.handlePublishEvent)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "reverie_persona",
		Description: "List a simulation's personas or show one persona's current state",
	}, s.handlePersona)
}

// registerResources registers the template listing.
func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         templatesURI,
		Name:        "reverie-templates",
		Description: "Stored simulations that can be forked with reverie_start.",
		MIMEType:    "application/json",
	}, s.handleTemplatesResource)
}

// templateSummary is one entry of the templates resource.
type templateSummary struct {
	SimCode         string   `json:"sim_code"`
	TemplateSimCode string   `json:"template_sim_code,omitempty"`
	SimMode         string   `json:"sim_mode"`
	Step            int      `json:"step"`
	CurrTime        string   `json:"curr_time"`
	Personas        []string `json:"persona_names"`
	Protected       bool     `json:"protected,omitempty"`
}

func (s *Server) handleTemplatesResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	metas, err := s.manager.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	out := make([]templateSummary, 0, len(metas))
	for _, m := range metas {
		out = append(out, templateSummary{
			SimCode:         m.SimCode,
			TemplateSimCode: m.TemplateSimCode,
			SimMode:         m.SimMode,
			Step:            m.Step,
			CurrTime:        m.CurrTime,
			Personas:        m.PersonaNames,
			Protected:       m.Protected,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{{
			URI:      templatesURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func (s *Server) statusOf(in *simulation.Instance, msg string) StatusOutput {
	return StatusOutput{Status: in.Sim.Status(), Pending: in.Queue.Len(), Message: msg}
}

// handleStart implements reverie_start.
func (s *Server) handleStart(ctx context.Context, req *sdk.CallToolRequest, args StartInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_start", args.SimCode, start, retErr, map[string]any{
			"template": args.Template, "sim_mode": args.SimMode, "sec_per_step": args.SecPerStep,
			"llm_config": args.LLMConfig, "initial_rounds": args.InitialRounds,
		})
	}()

	if err := s.limits.Check(ratelimit.ActionStart, args.SimCode); err != nil {
		return nil, StatusOutput{}, err
	}
	template := args.Template
	if template == "" {
		template = s.defaultTemplate
	}
	if template == "" {
		return nil, StatusOutput{}, errors.New("template is required")
	}

	in, err := s.manager.Start(ctx, template, simulation.Config{
		SimCode:       args.SimCode,
		SimMode:       args.SimMode,
		StartDate:     args.StartDate,
		SecPerStep:    args.SecPerStep,
		LLMConfig:     args.LLMConfig,
		Personas:      args.Personas,
		InitialRounds: args.InitialRounds,
	})
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("starting %s: %w", args.SimCode, err)
	}
	return nil, s.statusOf(in, fmt.Sprintf("Started %s from %s", args.SimCode, template)), nil
}

// handleCommand implements reverie_command.
func (s *Server) handleCommand(ctx context.Context, req *sdk.CallToolRequest, args CommandInput) (_ *sdk.CallToolResult, _ CommandOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_command", args.SimCode, start, retErr, map[string]any{
			"command": args.Command, "payloads": args.Payloads,
		})
	}()

	if err := s.limits.Check(ratelimit.ActionCommand, args.SimCode); err != nil {
		return nil, CommandOutput{}, err
	}
	cmd, err := protocol.Parse(args.Command)
	if err != nil {
		return nil, CommandOutput{}, err
	}
	if n := cmd.Payloads(); len(args.Payloads) < n {
		return nil, CommandOutput{}, fmt.Errorf("%q needs %d payload lines, got %d", cmd.Text, n, len(args.Payloads))
	}
	in, err := s.manager.Instance(ctx, args.SimCode)
	if err != nil {
		return nil, CommandOutput{}, err
	}
	in.Submit(append([]string{args.Command}, args.Payloads...)...)
	return nil, CommandOutput{
		Queued:  1 + len(args.Payloads),
		Pending: in.Queue.Len(),
		Message: fmt.Sprintf("Queued %q on %s", cmd.Text, args.SimCode),
	}, nil
}

// handleRun implements reverie_run.
func (s *Server) handleRun(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_run", args.SimCode, start, retErr, map[string]any{"steps": args.Steps})
	}()

	if err := s.limits.Check(ratelimit.ActionRun, args.SimCode); err != nil {
		return nil, StatusOutput{}, err
	}
	if args.Steps <= 0 {
		return nil, StatusOutput{}, fmt.Errorf("steps must be positive, got %d", args.Steps)
	}
	in, err := s.manager.Instance(ctx, args.SimCode)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	in.Submit(fmt.Sprintf("run %d", args.Steps))
	return nil, s.statusOf(in, fmt.Sprintf("Queued %d steps", args.Steps)), nil
}

// handleStatus implements reverie_status. A simulation that is not live
// reports its stored clock as terminated.
func (s *Server) handleStatus(ctx context.Context, req *sdk.CallToolRequest, args StatusInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_status", args.SimCode, start, retErr, map[string]any{})
	}()

	if err := s.limits.Check(ratelimit.ActionRead, args.SimCode); err != nil {
		return nil, StatusOutput{}, err
	}
	if in, ok := s.manager.Lookup(args.SimCode); ok {
		return nil, s.statusOf(in, ""), nil
	}
	snap, err := s.manager.Template(ctx, args.SimCode)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{Status: simulation.StoredStatus(snap.Meta), Message: "not loaded"}, nil
}

// handleChat implements reverie_chat. The reply arrives as a private chat
// envelope from the interpreter.
func (s *Server) handleChat(ctx context.Context, req *sdk.CallToolRequest, args ChatInput) (_ *sdk.CallToolResult, _ ChatOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_chat", args.SimCode, start, retErr, map[string]any{
			"persona": args.Persona, "mode": args.Mode, "msg": args.Msg, "prev_msgs": len(args.PrevMsgs),
		})
	}()

	if err := s.limits.Check(ratelimit.ActionChat, args.SimCode); err != nil {
		return nil, ChatOutput{}, err
	}
	in, err := s.manager.Instance(ctx, args.SimCode)
	if err != nil {
		return nil, ChatOutput{}, err
	}
	reply, err := in.Chat(ctx, args.Persona, cognition.ChatMode(args.Mode), args.PrevMsgs, args.Msg, s.chatTimeout)
	if err != nil {
		return nil, ChatOutput{}, err
	}
	return nil, ChatOutput{Persona: args.Persona, Reply: reply}, nil
}

// handlePublishEvent implements reverie_publish_event.
func (s *Server) handlePublishEvent(ctx context.Context, req *sdk.CallToolRequest, args PublishEventInput) (_ *sdk.CallToolResult, _ CommandOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_publish_event", args.SimCode, start, retErr, map[string]any{
			"description": args.Description, "access_list": args.AccessList,
			"policy": args.Policy, "websearch": args.Websearch,
		})
	}()

	if err := s.limits.Check(ratelimit.ActionPublish, args.SimCode); err != nil {
		return nil, CommandOutput{}, err
	}
	if strings.TrimSpace(args.Description) == "" {
		return nil, CommandOutput{}, errors.New("description is required")
	}
	in, err := s.manager.Instance(ctx, args.SimCode)
	if err != nil {
		return nil, CommandOutput{}, err
	}
	if in.Sim.Spatial() {
		return nil, CommandOutput{}, fmt.Errorf("%s is not an online simulation", args.SimCode)
	}
	lines := simulation.PublishEventLines(args.Description, args.AccessList, args.Policy, args.Websearch)
	in.Submit(lines...)
	return nil, CommandOutput{
		Queued:  len(lines),
		Pending: in.Queue.Len(),
		Message: fmt.Sprintf("Queued event for %s", args.SimCode),
	}, nil
}

// handlePersona implements reverie_persona.
func (s *Server) handlePersona(ctx context.Context, req *sdk.CallToolRequest, args PersonaInput) (_ *sdk.CallToolResult, _ PersonaOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("reverie_persona", args.SimCode, start, retErr, map[string]any{"persona": args.Persona})
	}()

	if err := s.limits.Check(ratelimit.ActionRead, args.SimCode); err != nil {
		return nil, PersonaOutput{}, err
	}
	in, err := s.manager.Instance(ctx, args.SimCode)
	if err != nil {
		return nil, PersonaOutput{}, err
	}
	if args.Persona == "" {
		return nil, PersonaOutput{Personas: in.Sim.Names()}, nil
	}
	raw, err := in.Sim.PersonaDetail(args.Persona)
	if err != nil {
		return nil, PersonaOutput{}, err
	}
	var scratch map[string]any
	if err := json.Unmarshal(raw, &scratch); err != nil {
		return nil, PersonaOutput{}, fmt.Errorf("decoding %s: %w", args.Persona, err)
	}
	return nil, PersonaOutput{Scratch: scratch}, nil
}
