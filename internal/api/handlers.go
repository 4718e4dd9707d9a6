package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
	"github.com/nvandessel/reverie/internal/store"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// templatesKey is the rate-limit key of requests that name no simulation.
const templatesKey = "_templates"

var (
	// Scratch fields of a personas_info entry.
	briefFields = []string{
		"name", "first_name", "last_name", "age", "innate", "learned",
		"currently", "lifestyle", "living_area", "act_event",
	}
	// Scratch fields of a fetch_template persona.
	templateFields = []string{
		"name", "first_name", "last_name", "age", "daily_plan_req", "innate",
		"learned", "currently", "lifestyle", "living_area", "bibliography",
	}
)

type startRequest struct {
	SimCode       string         `json:"simCode"`
	Template      startTemplate  `json:"template"`
	LLMConfig     map[string]any `json:"llmConfig"`
	InitialRounds int            `json:"initialRounds"`
}

type startTemplate struct {
	SimCode  string           `json:"simCode"`
	Meta     templateMeta     `json:"meta"`
	Personas []persona.Config `json:"personas"`
	Events   []eventRequest   `json:"events"`
}

type templateMeta struct {
	SimMode    string `json:"sim_mode"`
	StartDate  string `json:"start_date"`
	CurrTime   string `json:"curr_time"`
	SecPerStep int    `json:"sec_per_step"`
	MazeName   string `json:"maze_name"`
	Direction  string `json:"direction"`
}

// eventRequest carries its access list as comma separated names.
type eventRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
	AccessList  string `json:"access_list"`
	Policy      string `json:"policy"`
	Websearch   string `json:"websearch"`
}

type chatRequest struct {
	AgentName string          `json:"agent_name"`
	Type      string          `json:"type"`
	History   json.RawMessage `json:"history"`
	Content   string          `json:"content"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.sendError(w, status, "%v", err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound), errors.Is(err, persona.ErrUnknownPersona):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrProtectedTemplate),
		errors.Is(err, store.ErrInvalidSimCode),
		errors.Is(err, protocol.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, simulation.ErrTerminated), errors.Is(err, simulation.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return false
	}
	return true
}

// instance checks the rate limit of action on the path's simulation and
// returns its live instance, resuming it when needed.
func (s *Server) instance(w http.ResponseWriter, r *http.Request, action string) (*simulation.Instance, bool) {
	sim := r.PathValue("sim")
	if err := s.limits.Check(action, sim); err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	in, err := s.manager.Instance(r.Context(), sim)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return in, true
}

// handleStart forks a template into a new simulation. The target may not
// be a base template.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SimCode == "" {
		s.sendError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	if slices.Contains(s.baseTemplates, req.SimCode) {
		s.sendError(w, http.StatusBadRequest, "Cannot overwrite base template")
		return
	}
	if err := s.limits.Check(ratelimit.ActionStart, req.SimCode); err != nil {
		s.fail(w, r, err)
		return
	}
	template := req.Template.SimCode
	if template == "" {
		template = s.defaultTemplate
	}
	if template == "" {
		s.sendError(w, http.StatusBadRequest, "Missing template")
		return
	}

	cfg := simulation.Config{
		SimCode:       req.SimCode,
		SimMode:       req.Template.Meta.SimMode,
		StartDate:     req.Template.Meta.StartDate,
		CurrTime:      req.Template.Meta.CurrTime,
		SecPerStep:    req.Template.Meta.SecPerStep,
		MazeName:      req.Template.Meta.MazeName,
		Direction:     req.Template.Meta.Direction,
		LLMConfig:     req.LLMConfig,
		Personas:      req.Template.Personas,
		InitialRounds: req.InitialRounds,
	}
	for _, ev := range req.Template.Events {
		cfg.PublicEvents = append(cfg.PublicEvents, cognition.EventSpec{
			Description: ev.Description,
			AccessList:  cognition.ParseAccessList(ev.AccessList),
			Policy:      ev.Policy,
			Websearch:   ev.Websearch,
		})
	}

	// The instance outlives the request.
	if _, err := s.manager.Start(context.WithoutCancel(r.Context()), template, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("simulation started", "sim", req.SimCode, "template", template)
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Simulation started"})
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, ok := s.instance(w, r, ratelimit.ActionPublish)
	if !ok {
		return
	}
	if in.Sim.Spatial() {
		s.sendError(w, http.StatusBadRequest, "%s is not an online simulation", in.Sim.Code())
		return
	}
	in.Submit(simulation.PublishEventLines(req.Description, cognition.ParseAccessList(req.AccessList), req.Policy, req.Websearch)...)
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Event published"})
}

// handleQueryStatus reports terminated for simulations with no live
// instance.
func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	sim := r.PathValue("sim")
	if err := s.limits.Check(ratelimit.ActionRead, sim); err != nil {
		s.fail(w, r, err)
		return
	}
	if in, ok := s.manager.Lookup(sim); ok {
		s.writeJSON(w, http.StatusOK, in.Sim.Status())
		return
	}
	if snap, err := s.manager.Template(r.Context(), sim); err == nil {
		s.writeJSON(w, http.StatusOK, simulation.StoredStatus(snap.Meta))
		return
	}
	s.writeJSON(w, http.StatusOK, simulation.Status{SimCode: sim, Status: simulation.StateTerminating.String()})
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		s.sendError(w, http.StatusBadRequest, "Missing command parameter")
		return
	}
	if _, err := protocol.Parse(command); err != nil {
		s.fail(w, r, err)
		return
	}
	in, ok := s.instance(w, r, ratelimit.ActionCommand)
	if !ok {
		return
	}
	in.Submit(command)
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count <= 0 {
		s.sendError(w, http.StatusBadRequest, "Missing count parameter")
		return
	}
	in, ok := s.instance(w, r, ratelimit.ActionRun)
	if !ok {
		return
	}
	in.Submit(fmt.Sprintf("run %d", count))
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instance(w, r, ratelimit.ActionRead)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"personas": in.Sim.Names()})
}

func (s *Server) handlePersonasInfo(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instance(w, r, ratelimit.ActionRead)
	if !ok {
		return
	}
	infos := make([]map[string]any, 0, len(in.Sim.Names()))
	for _, name := range in.Sim.Names() {
		raw, err := in.Sim.PersonaDetail(name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		scratch, err := decodeScratch(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		infos = append(infos, pick(scratch, briefFields))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"personas": infos})
}

// handleChat queues a chat to a persona and answers with the reply. The
// reply is also broadcast to WebSocket listeners as a chat envelope.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentName == "" || req.Content == "" {
		s.sendError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	history, err := parseHistory(req.History)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid history: %v", err)
		return
	}
	in, ok := s.instance(w, r, ratelimit.ActionChat)
	if !ok {
		return
	}
	reply, err := in.Chat(r.Context(), req.AgentName, cognition.ChatMode(req.Type), history, req.Content, s.chatTimeout)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success", "reply": reply})
}

func (s *Server) handlePersonaDetail(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("agent_name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "Missing agent_name parameter")
		return
	}
	in, ok := s.instance(w, r, ratelimit.ActionRead)
	if !ok {
		return
	}
	raw, err := in.Sim.PersonaDetail(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleFetchTemplates(w http.ResponseWriter, r *http.Request) {
	if err := s.limits.Check(ratelimit.ActionRead, templatesKey); err != nil {
		s.fail(w, r, err)
		return
	}
	metas, err := s.manager.Templates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"envs": metas})
}

func (s *Server) handleFetchTemplate(w http.ResponseWriter, r *http.Request) {
	sim := r.URL.Query().Get("sim_code")
	if sim == "" {
		s.sendError(w, http.StatusBadRequest, "Missing sim_code parameter")
		return
	}
	if err := s.limits.Check(ratelimit.ActionRead, sim); err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.manager.Template(r.Context(), sim)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	personas := make(map[string]map[string]any, len(snap.Meta.PersonaNames))
	for _, name := range snap.Meta.PersonaNames {
		ps, ok := snap.Personas[name]
		if !ok || ps.Scratch == nil {
			continue
		}
		raw, err := json.Marshal(ps.Scratch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		scratch, err := decodeScratch(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		personas[name] = pick(scratch, templateFields)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"meta":     snap.Meta,
		"personas": personas,
		"events":   snap.Events,
	})
}

func decodeScratch(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding scratch: %w", err)
	}
	return m, nil
}

func pick(m map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// parseHistory accepts [speaker, text] pairs or message objects.
func parseHistory(raw json.RawMessage) ([]memory.Utterance, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var pairs []memory.Utterance
	if err := json.Unmarshal(raw, &pairs); err == nil {
		return pairs, nil
	}
	var msgs []struct {
		Sender  string `json:"sender"`
		Name    string `json:"name"`
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	out := make([]memory.Utterance, 0, len(msgs))
	for _, m := range msgs {
		speaker := m.Sender
		if speaker == "" {
			speaker = m.Name
		}
		if speaker == "" {
			speaker = m.Role
		}
		out = append(out, memory.Utterance{strings.TrimSpace(speaker), m.Content})
	}
	return out, nil
}
