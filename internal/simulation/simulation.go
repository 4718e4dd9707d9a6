// Package simulation runs the time-stepped scheduler of a simulation and the
// command interpreter that drives it.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/store"
	"github.com/nvandessel/reverie/internal/world"
)

// Deps are the collaborators a simulation is built from.
type Deps struct {
	Store    store.Store
	Invoker  *llm.Invoker
	Embedder llm.Embedder
	Logger   *slog.Logger

	// NewInvoker builds the invoker from the stored llm_config when
	// Invoker is nil.
	NewInvoker func(llmConfig map[string]any) *llm.Invoker

	// Outbox receives movement, status, chat and comment envelopes. It may
	// be nil.
	Outbox logging.Publisher

	// OpenFeed opens the position feed of a spatial simulation.
	OpenFeed func(sim string) (PositionFeed, error)

	// Maze is the tile map of spatial simulations. When nil it is loaded
	// from MazeDir/<maze_name>.json.
	Maze    *world.Maze
	MazeDir string

	// BaseTemplates may never be overwritten by New.
	BaseTemplates []string

	PlanningCycle int

	// Seed seeds fallback choices. 0 seeds from the clock.
	Seed int64
}

// Simulation is one running simulation. Run, Save and the command handlers
// are called from a single interpreter goroutine; Status and PersonaDetail
// may be called from anywhere.
type Simulation struct {
	code     string
	deps     Deps
	logger   *slog.Logger
	workflow *cognition.Workflow
	env      *cognition.Env
	world    *world.World
	feed     PositionFeed

	personas map[string]*persona.Persona
	names    []string

	// runMu serialises ticks with saves and command handlers.
	runMu sync.Mutex
	state atomic.Int32

	// mu guards the fields read by Status and PersonaDetail.
	mu      sync.RWMutex
	meta    store.Meta
	clock   Clock
	details map[string]json.RawMessage

	// positions holds the best known tiles at the current step. Writes
	// hold both runMu and mu.
	positions map[string]world.Tile

	// eventTiles and placed are where reconcile put persona and object
	// events. They are touched only under runMu.
	eventTiles map[string]world.Tile
	placed     []placedEvent
}

// placedEvent is an object event put on a tile this step, turned idle at
// the next one.
type placedEvent struct {
	event world.TileEvent
	tile  world.Tile
}

// New forks template into cfg.SimCode, applies cfg and saves the result.
// An existing simulation under cfg.SimCode is replaced unless it is a
// protected template.
func New(ctx context.Context, deps Deps, template string, cfg Config) (*Simulation, error) {
	if err := store.ValidateSimCode(cfg.SimCode); err != nil {
		return nil, err
	}
	if template == cfg.SimCode {
		return nil, fmt.Errorf("simulation %s cannot be forked onto itself", template)
	}
	if err := guardTarget(ctx, deps, cfg.SimCode); err != nil {
		return nil, err
	}

	snap, err := store.Fork(ctx, deps.Store, template, cfg.SimCode)
	if err != nil {
		return nil, err
	}
	applyConfig(snap, cfg)

	s, err := build(deps, snap)
	if err != nil {
		return nil, err
	}
	for _, name := range s.names {
		if pc := personaConfig(cfg.Personas, name); pc != nil {
			pc.Apply(s.personas[name].Scratch)
		}
	}
	if !snap.Meta.Spatial() {
		for _, ev := range cfg.PublicEvents {
			if _, err := cognition.PublishEvent(ctx, s.env, ev, s.clock.Now); err != nil {
				s.Close()
				return nil, fmt.Errorf("loading public event: %w", err)
			}
		}
	}
	if err := s.Save(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("simulation created", "template", template, "mode", snap.Meta.SimMode, "personas", len(s.names))
	return s, nil
}

// Open resumes a stored simulation.
func Open(ctx context.Context, deps Deps, sim string) (*Simulation, error) {
	if err := store.ValidateSimCode(sim); err != nil {
		return nil, err
	}
	if slices.Contains(deps.BaseTemplates, sim) {
		return nil, fmt.Errorf("opening %s: %w", sim, ErrProtectedTemplate)
	}
	snap, err := deps.Store.Load(ctx, sim)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", sim, err)
	}
	if snap.Meta.Protected {
		return nil, fmt.Errorf("opening %s: %w", sim, ErrProtectedTemplate)
	}
	s, err := build(deps, snap)
	if err != nil {
		return nil, err
	}
	s.logger.Info("simulation resumed", "step", s.clock.Step)
	return s, nil
}

// guardTarget refuses protected targets and clears unprotected ones.
func guardTarget(ctx context.Context, deps Deps, sim string) error {
	if slices.Contains(deps.BaseTemplates, sim) {
		return fmt.Errorf("%s: %w", sim, ErrProtectedTemplate)
	}
	ok, err := deps.Store.Exists(ctx, sim)
	if err != nil {
		return fmt.Errorf("checking %s: %w", sim, err)
	}
	if !ok {
		return nil
	}
	existing, err := deps.Store.Load(ctx, sim)
	if err != nil {
		return fmt.Errorf("checking %s: %w", sim, err)
	}
	if existing.Meta.Protected {
		return fmt.Errorf("%s: %w", sim, ErrProtectedTemplate)
	}
	deps.logger().Warn("overwriting existing simulation", "sim", sim)
	if err := deps.Store.Delete(ctx, sim); err != nil {
		return fmt.Errorf("removing %s: %w", sim, err)
	}
	return nil
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

func applyConfig(snap *store.Snapshot, cfg Config) {
	m := &snap.Meta
	if cfg.SimMode != "" {
		m.SimMode = cfg.SimMode
	}
	if cfg.StartDate != "" {
		m.StartDate = cfg.StartDate
		m.CurrTime = cfg.CurrTime
		m.Step = 0
	} else if cfg.CurrTime != "" {
		m.CurrTime = cfg.CurrTime
	}
	if cfg.SecPerStep > 0 {
		m.SecPerStep = cfg.SecPerStep
	}
	if cfg.MazeName != "" {
		m.MazeName = cfg.MazeName
	}
	if cfg.LLMConfig != nil {
		m.LLMConfig = cfg.LLMConfig
	}
	if cfg.Direction != "" {
		m.Direction = cfg.Direction
	}
	for _, pc := range cfg.Personas {
		if pc.Name != "" && !slices.Contains(m.PersonaNames, pc.Name) {
			m.PersonaNames = append(m.PersonaNames, pc.Name)
		}
	}
	// A new clock starts a new planning cycle.
	if cfg.StartDate != "" || cfg.CurrTime != "" {
		m.Planning = nil
	}
}

func personaConfig(cfgs []persona.Config, name string) *persona.Config {
	for i := range cfgs {
		if cfgs[i].Name == name {
			return &cfgs[i]
		}
	}
	return nil
}

// build assembles a simulation from a snapshot.
func build(deps Deps, snap *store.Snapshot) (*Simulation, error) {
	meta := snap.Meta
	sim := meta.SimCode
	start, err := meta.Start()
	if err != nil {
		return nil, fmt.Errorf("simulation %s: %w", sim, err)
	}
	now, err := meta.Now()
	if err != nil {
		return nil, fmt.Errorf("simulation %s: %w", sim, err)
	}
	spatial := meta.Spatial()
	logger := deps.logger().With("sim", sim)

	w := &world.World{Feed: world.FeedFromSnapshot(snap.Events)}
	if meta.Planning != nil {
		w.Planning = world.RestorePlanning(*meta.Planning)
	} else {
		cycle := deps.PlanningCycle
		if cycle <= 0 {
			cycle = constants.DefaultPlanningCycle
		}
		w.Planning = world.NewPlanning(cycle, now)
	}

	variant := cognition.VariantOnline
	var feed PositionFeed
	if spatial {
		variant = cognition.VariantSpatial
		w.Maze, err = loadMaze(deps, meta.MazeName, logger)
		if err != nil {
			return nil, err
		}
		if deps.OpenFeed == nil {
			return nil, fmt.Errorf("simulation %s: spatial mode needs a position feed", sim)
		}
		if feed, err = deps.OpenFeed(sim); err != nil {
			return nil, fmt.Errorf("simulation %s: opening position feed: %w", sim, err)
		}
		if err := feed.Prime(meta.Step, snap.Environment); err != nil {
			feed.Close()
			return nil, err
		}
	}

	personas := make(map[string]*persona.Persona, len(meta.PersonaNames))
	for _, name := range meta.PersonaNames {
		ps, ok := snap.Personas[name]
		if !ok {
			logger.Warn("persona has no stored state, starting fresh", "persona", name)
		}
		personas[name] = persona.Restore(name, ps, spatial)
	}
	names := make([]string, 0, len(personas))
	for name := range personas {
		names = append(names, name)
	}
	slices.Sort(names)

	if deps.Invoker == nil && deps.NewInvoker != nil {
		deps.Invoker = deps.NewInvoker(meta.LLMConfig)
	}
	if deps.Invoker == nil {
		if feed != nil {
			feed.Close()
		}
		return nil, fmt.Errorf("simulation %s: no llm invoker", sim)
	}

	seed := deps.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Simulation{
		code:     sim,
		deps:     deps,
		logger:   logger,
		workflow: cognition.NewWorkflow(variant),
		world:    w,
		feed:     feed,
		personas: personas,
		names:    names,
		meta:     meta,
		clock: Clock{
			Start:      start,
			Now:        now,
			Step:       meta.Step,
			SecPerStep: meta.SecPerStep,
		},
		details:    make(map[string]json.RawMessage),
		positions:  make(map[string]world.Tile),
		eventTiles: make(map[string]world.Tile),
	}
	s.env = &cognition.Env{
		World:    w,
		Personas: personas,
		Invoker:  deps.Invoker,
		Embedder: deps.Embedder,
		Logger:   logger,
		Outbox:   deps.Outbox,
		Rand:     rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1))),
	}
	if spatial {
		for name, pos := range snap.Environment {
			if _, ok := personas[name]; ok {
				s.positions[name] = pos.Tile()
			}
		}
		for _, name := range names {
			if _, ok := s.positions[name]; !ok && personas[name].Scratch.CurrTile != nil {
				s.positions[name] = *personas[name].Scratch.CurrTile
			}
		}
	}
	s.refreshDetails()
	return s, nil
}

// loadMaze returns the maze of a spatial simulation. A missing maze file
// leaves the simulation without tiles.
func loadMaze(deps Deps, name string, logger *slog.Logger) (*world.Maze, error) {
	if deps.Maze != nil {
		return deps.Maze, nil
	}
	if deps.MazeDir == "" || name == "" {
		logger.Warn("no maze configured, personas will not perceive tiles", "maze", name)
		return nil, nil
	}
	f, err := os.Open(filepath.Join(deps.MazeDir, name+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("maze file missing, personas will not perceive tiles", "maze", name)
			return nil, nil
		}
		return nil, fmt.Errorf("opening maze %s: %w", name, err)
	}
	defer f.Close()
	m, err := world.LoadMaze(f)
	if err != nil {
		return nil, fmt.Errorf("maze %s: %w", name, err)
	}
	return m, nil
}

// Code returns the sim code.
func (s *Simulation) Code() string { return s.code }

// Spatial reports whether personas live on a tile map.
func (s *Simulation) Spatial() bool { return s.feed != nil }

// State returns the lifecycle state.
func (s *Simulation) State() State { return State(s.state.Load()) }

// Clock returns a copy of the clock.
func (s *Simulation) Clock() Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Names returns the persona names in tick order.
func (s *Simulation) Names() []string { return slices.Clone(s.names) }

// Persona returns the named persona. Only the interpreter goroutine may
// use it.
func (s *Simulation) Persona(name string) (*persona.Persona, error) {
	p, ok := s.personas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persona.ErrUnknownPersona, name)
	}
	return p, nil
}

// Env is the cognition environment of the simulation.
func (s *Simulation) Env() *cognition.Env { return s.env }

// World is the shared world state.
func (s *Simulation) World() *world.World { return s.world }

// Usage returns the LLM usage of the simulation's invoker.
func (s *Simulation) Usage() *llm.Usage {
	if s.deps.Invoker == nil {
		return &llm.Usage{}
	}
	return s.deps.Invoker.Usage()
}

// Status describes a simulation for clients.
type Status struct {
	SimCode  string   `json:"sim_code"`
	Status   string   `json:"status"`
	Mode     string   `json:"sim_mode"`
	Step     int      `json:"step"`
	CurrTime string   `json:"curr_time"`
	Personas []string `json:"personas"`
}

// Status reports the state and clock.
func (s *Simulation) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		SimCode:  s.code,
		Status:   s.State().String(),
		Mode:     s.meta.SimMode,
		Step:     s.clock.Step,
		CurrTime: s.clock.Now.Format(constants.TimeLayout),
		Personas: slices.Clone(s.names),
	}
}

// PersonaDetail returns the persona's scratch as of the last completed
// step.
func (s *Simulation) PersonaDetail(name string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.details[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persona.ErrUnknownPersona, name)
	}
	return d, nil
}

// Positions returns the persona tiles as of the last completed step.
func (s *Simulation) Positions() map[string]world.Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]world.Tile, len(s.positions))
	for name, t := range s.positions {
		out[name] = t
	}
	return out
}

func (s *Simulation) refreshDetails() {
	details := make(map[string]json.RawMessage, len(s.personas))
	for name, p := range s.personas {
		data, err := json.Marshal(p.Scratch)
		if err != nil {
			s.logger.Warn("encoding scratch", "persona", name, "error", err)
			continue
		}
		details[name] = data
	}
	s.mu.Lock()
	s.details = details
	s.mu.Unlock()
}

func (s *Simulation) publish(kind string, message any) {
	if s.deps.Outbox != nil {
		s.deps.Outbox.Publish(kind, message)
	}
}

func (s *Simulation) publishStatus() {
	s.publish(protocol.TypeStatus, s.Status())
}

// Run advances the simulation n steps. Persona failures are logged and the
// step goes on; a cancelled context stops the run between steps or while
// waiting for the environment.
func (s *Simulation) Run(ctx context.Context, n int) error {
	_, err := s.RunUntil(ctx, n, nil)
	return err
}

// RunUntil is Run that also calls stop between steps and ends early when it
// returns true. It returns the number of steps taken.
func (s *Simulation) RunUntil(ctx context.Context, n int, stop func() bool) (int, error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if s.State() == StateTerminating {
			return 0, ErrTerminated
		}
		return 0, ErrBusy
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	defer s.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	s.publishStatus()
	defer s.publishStatus()
	for i := range n {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if i > 0 && stop != nil && stop() {
			return i, nil
		}
		if err := s.step(ctx); err != nil {
			return i, err
		}
	}
	return n, nil
}

// step runs one tick of every persona.
func (s *Simulation) step(ctx context.Context) error {
	clock := s.Clock()
	if s.feed != nil {
		positions, err := s.feed.Wait(ctx, clock.Step)
		if err != nil {
			return fmt.Errorf("waiting for environment %d: %w", clock.Step, err)
		}
		s.reconcile(positions)
	}

	rec := MovementRecord{
		Persona: make(map[string]cognition.Movement, len(s.names)),
		Meta:    MovementMeta{CurrTime: clock.Now.Format(constants.TimeLayout), Step: clock.Step},
	}
	for _, name := range s.names {
		var tile *world.Tile
		if t, ok := s.positions[name]; ok && s.feed != nil {
			tile = &t
		}
		mv, err := s.workflow.Tick(ctx, s.env, s.personas[name], clock.Now, tile)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("persona step failed", "persona", name, "step", clock.Step, "error", err)
		}
		rec.Persona[name] = mv
	}
	if p := s.world.Planning; p != nil && p.NeedStagePlanning() {
		p.Advance()
	}

	if s.feed != nil {
		if err := s.feed.WriteMovement(ctx, clock.Step, rec); err != nil {
			s.logger.Error("writing movement", "step", clock.Step, "error", err)
		}
	}
	s.publish(protocol.TypeMovement, rec)

	s.mu.Lock()
	for name, mv := range rec.Persona {
		if mv.Tile != nil && s.feed != nil {
			s.positions[name] = *mv.Tile
		}
	}
	s.clock.Advance()
	s.mu.Unlock()
	s.refreshDetails()
	s.logger.Debug("step complete", "step", clock.Step, "time", clock.Now.Format(constants.TimeLayout))
	return nil
}

// reconcile moves persona events to the tiles the environment reports and
// places the object events of personas that arrived.
func (s *Simulation) reconcile(positions map[string]store.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.world.Maze
	if m == nil {
		for name, pos := range positions {
			if _, ok := s.personas[name]; ok {
				s.positions[name] = pos.Tile()
			}
		}
		return
	}

	for _, pe := range s.placed {
		m.TurnEventIdle(pe.event, pe.tile)
	}
	s.placed = s.placed[:0]

	for _, name := range s.names {
		pos, ok := positions[name]
		if !ok {
			s.logger.Warn("environment has no position for persona", "persona", name)
			continue
		}
		sc := s.personas[name].Scratch
		if cur, ok := s.eventTiles[name]; ok {
			m.RemoveSubjectEvents(name, cur)
		}
		tile := pos.Tile()
		s.positions[name] = tile
		s.eventTiles[name] = tile
		m.AddEvent(sc.CurrentEvent(), tile)

		if len(sc.PlannedPath) == 0 {
			obj := sc.CurrentObjectEvent()
			if obj.Subject == "" {
				continue
			}
			s.placed = append(s.placed, placedEvent{event: obj, tile: tile})
			m.AddEvent(obj, tile)
			m.RemoveEvent(obj.Idle(), tile)
		}
	}
}

// snapshot captures the simulation. Callers hold runMu.
func (s *Simulation) snapshot() *store.Snapshot {
	s.mu.RLock()
	meta := s.meta
	clock := s.clock
	s.mu.RUnlock()

	meta.SimCode = s.code
	meta.StartDate = clock.Start.Format(constants.DateLayout)
	meta.CurrTime = clock.Now.Format(constants.TimeLayout)
	meta.Step = clock.Step
	meta.SecPerStep = clock.SecPerStep
	meta.PersonaNames = slices.Clone(s.names)
	if s.world.Planning != nil {
		ps := s.world.Planning.State()
		meta.Planning = &ps
	}

	snap := &store.Snapshot{
		Meta:        meta,
		Personas:    make(map[string]persona.Snapshot, len(s.personas)),
		Events:      s.world.Feed.Snapshot(),
		Environment: make(map[string]store.Position),
	}
	for name, p := range s.personas {
		snap.Personas[name] = p.Snapshot()
	}
	if s.feed != nil {
		for name, t := range s.positions {
			snap.Environment[name] = store.Position{Maze: meta.MazeName, X: t.X(), Y: t.Y()}
		}
	}
	return snap
}

// Save writes the simulation to its store.
func (s *Simulation) Save(ctx context.Context) error {
	if s.State() == StateTerminating {
		return ErrTerminated
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.save(ctx)
}

func (s *Simulation) save(ctx context.Context) error {
	snap := s.snapshot()
	if err := s.deps.Store.Save(ctx, s.code, snap); err != nil {
		return fmt.Errorf("saving %s: %w", s.code, err)
	}
	s.logger.Info("simulation saved", "step", snap.Meta.Step)
	return nil
}

// Finish saves the simulation and terminates it.
func (s *Simulation) Finish(ctx context.Context) error {
	if s.State() == StateTerminating {
		return ErrTerminated
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if err := s.save(ctx); err != nil {
		return err
	}
	s.terminate()
	return nil
}

// Exit deletes the simulation's stored data and terminates it.
func (s *Simulation) Exit(ctx context.Context) error {
	if s.State() == StateTerminating {
		return ErrTerminated
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if err := s.deps.Store.Delete(ctx, s.code); err != nil {
		return fmt.Errorf("deleting %s: %w", s.code, err)
	}
	s.logger.Info("simulation deleted")
	s.terminate()
	return nil
}

func (s *Simulation) terminate() {
	s.state.Store(int32(StateTerminating))
	s.publishStatus()
}

// Close releases the position feed. It does not save.
func (s *Simulation) Close() error {
	if s.feed == nil {
		return nil
	}
	return s.feed.Close()
}
