// Package cognition runs a persona's cognitive loop: perceive, retrieve,
// plan, execute and reflect. Every stage that needs judgement asks the LLM
// through an llm.Function and falls back to a deterministic answer, so the
// loop keeps running when the model is unavailable.
package cognition

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

// Stage is one step of the cognitive loop.
type Stage int

const (
	StagePerceive Stage = iota
	StageRetrieve
	StagePlan
	StageExecute
	StageReflect
)

func (s Stage) String() string {
	switch s {
	case StagePerceive:
		return "perceive"
	case StageRetrieve:
		return "retrieve"
	case StagePlan:
		return "plan"
	case StageExecute:
		return "execute"
	case StageReflect:
		return "reflect"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Variant selects the world a persona lives in.
type Variant int

const (
	// VariantSpatial personas walk a tile map.
	VariantSpatial Variant = iota
	// VariantOnline personas read and comment on a public event feed.
	VariantOnline
)

func (v Variant) String() string {
	if v == VariantOnline {
		return "online"
	}
	return "spatial"
}

// StageFunc runs one stage of a tick.
type StageFunc func(ctx context.Context, t *Tick) error

// Table is a variant's stage implementations and the order they run in.
type Table struct {
	Order  []Stage
	Stages map[Stage]StageFunc
}

// TableFor returns the stage table of v.
func TableFor(v Variant) Table {
	if v == VariantOnline {
		return Table{
			Order: []Stage{StagePerceive, StageRetrieve, StagePlan, StageExecute, StageReflect},
			Stages: map[Stage]StageFunc{
				StagePerceive: perceiveOnline,
				StageRetrieve: retrieve,
				StagePlan:     planOnline,
				StageExecute:  executeOnline,
				StageReflect:  reflect,
			},
		}
	}
	// Reflection runs before execution so movement follows the revised plan.
	return Table{
		Order: []Stage{StagePerceive, StageRetrieve, StagePlan, StageReflect, StageExecute},
		Stages: map[Stage]StageFunc{
			StagePerceive: perceiveSpatial,
			StageRetrieve: retrieve,
			StagePlan:     planSpatial,
			StageReflect:  reflect,
			StageExecute:  executeSpatial,
		},
	}
}

// Env is everything a tick may touch besides the persona itself.
type Env struct {
	World    *world.World
	Personas map[string]*persona.Persona
	Invoker  *llm.Invoker
	Embedder llm.Embedder
	Logger   *slog.Logger

	// Outbox receives agent_comment and chat envelopes. It may be nil.
	Outbox logging.Publisher

	Rand *rand.Rand
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func (e *Env) publish(kind string, message any) {
	if e.Outbox != nil {
		e.Outbox.Publish(kind, message)
	}
}

func (e *Env) intN(n int) int {
	if e.Rand == nil {
		return rand.IntN(n)
	}
	return e.Rand.IntN(n)
}

// DayChange describes how the current tick relates to the previous one.
type DayChange int

const (
	SameDay DayChange = iota
	FirstDay
	NewDay
)

// Percept is one memory node created by perception.
type Percept struct {
	Node   *memory.Node
	Author string

	// EventID, Policy and Websearch are set for online events.
	EventID   int
	Policy    string
	Websearch string
}

// Retrieved is the context gathered for one percept.
type Retrieved struct {
	Percept
	Events   []*memory.Node
	Thoughts []*memory.Node
}

// Movement is what a persona does this tick, as reported to the outside.
type Movement struct {
	Tile         *world.Tile        `json:"movement"`
	Pronunciatio string             `json:"pronunciatio"`
	Description  string             `json:"description"`
	Chat         []memory.Utterance `json:"chat"`
}

// Tick is the state shared by the stages of one persona's tick.
type Tick struct {
	Env     *Env
	Persona *persona.Persona
	Now     time.Time
	Day     DayChange

	Perceived []Percept
	Retrieved []Retrieved

	// News holds "author said, text" lines read this tick, online only.
	News []string

	// Comment is set by the online plan when the persona will comment.
	Comment bool

	Movement Movement
}

func (t *Tick) log() *slog.Logger {
	return t.Env.logger().With("persona", t.Persona.Name)
}

// Workflow runs the stage table of one variant.
type Workflow struct {
	Variant Variant
	table   Table
}

// NewWorkflow returns the workflow of v.
func NewWorkflow(v Variant) *Workflow {
	return &Workflow{Variant: v, table: TableFor(v)}
}

// Tick advances p to now and runs every stage once, in order. tile is the
// persona's position reported by the environment; it is ignored online.
func (w *Workflow) Tick(ctx context.Context, env *Env, p *persona.Persona, now time.Time, tile *world.Tile) (Movement, error) {
	s := p.Scratch
	if w.Variant == VariantSpatial && tile != nil {
		cp := *tile
		s.CurrTile = &cp
	}

	t := &Tick{Env: env, Persona: p, Now: now}
	switch {
	case !s.CurrTime.Set():
		t.Day = FirstDay
	case s.CurrTime.Format(constants.DayLayout) != now.Format(constants.DayLayout):
		t.Day = NewDay
	}
	if t.Day != SameDay && env.World != nil && env.World.Planning != nil {
		env.World.Planning.Observe(now)
	}
	s.CurrTime = persona.At(now)
	if n := p.Memory.ForgetExpired(now); n > 0 {
		t.log().Debug("forgot expired memories", "count", n)
	}

	for _, stage := range w.table.Order {
		if err := ctx.Err(); err != nil {
			return t.Movement, err
		}
		fn := w.table.Stages[stage]
		if fn == nil {
			continue
		}
		if err := fn(ctx, t); err != nil {
			return t.Movement, fmt.Errorf("%s %s: %w", p.Name, stage, err)
		}
	}
	return t.Movement, nil
}

// remember appends a node to the persona's memory. A zero poignancy is
// rated by the LLM and a missing embedding is computed. Events and thoughts
// count toward the reflection trigger.
func (t *Tick) remember(ctx context.Context, spec memory.NodeSpec) (*memory.Node, error) {
	return remember(ctx, t.Env, t.Persona, spec)
}

func remember(ctx context.Context, env *Env, p *persona.Persona, spec memory.NodeSpec) (*memory.Node, error) {
	if spec.Poignancy == 0 {
		score, err := poignancy(ctx, env, p, spec.Kind, spec.Description)
		if err != nil {
			return nil, err
		}
		spec.Poignancy = score
	}
	key := spec.EmbeddingKey
	if key == "" {
		key = spec.Description
	}
	if len(spec.Embedding) == 0 && key != "" && env.Embedder != nil {
		if _, ok := p.Memory.Embedding(key); !ok {
			vec, err := env.Embedder.Embed(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				env.logger().Warn("embedding memory failed", "persona", p.Name, "error", err)
			} else {
				spec.Embedding = vec
			}
		}
	}
	node, err := p.Memory.Add(spec)
	if err != nil {
		return nil, fmt.Errorf("remembering %q: %w", spec.Description, err)
	}
	if node.Kind != memory.KindChat {
		p.Scratch.ImportanceTriggerCurr -= node.Poignancy
		p.Scratch.ImportanceEleN++
	}
	return node, nil
}

// poignancy rates a memory from 1 to 10. Idle states are always 1.
func poignancy(ctx context.Context, env *Env, p *persona.Persona, kind memory.Kind, description string) (float64, error) {
	if containsIdle(description) {
		return 1, nil
	}
	r, err := poignancyFn.Call(ctx, env.Invoker, llm.Args{
		"identity":    p.Scratch.IdentitySet(),
		"kind":        string(kind),
		"description": description,
	})
	if err != nil {
		return 0, err
	}
	return float64(min(max(r.Rating, 1), 10)), nil
}
