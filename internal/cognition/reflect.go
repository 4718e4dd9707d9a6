package cognition

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
)

// reflect turns recent memories into insights once enough has happened, and
// stores what the persona takes away from a conversation once it is over.
func reflect(ctx context.Context, t *Tick) error {
	p := t.Persona
	if shouldReflect(p) {
		if err := runReflection(ctx, t); err != nil {
			return err
		}
		resetReflection(p)
	}
	s := p.Scratch
	if s.ChattingWith != "" && s.ChattingEndTime.Set() && !t.Now.Before(s.ChattingEndTime.Time) {
		if err := reflectOnChat(ctx, t); err != nil {
			return err
		}
		s.ClearChat()
	}
	return nil
}

// shouldReflect reports whether the importance budget is spent or a keyword
// came up often enough since the last reflection.
func shouldReflect(p *persona.Persona) bool {
	s := p.Scratch
	switch {
	case s.ImportanceTriggerCurr <= 0 && p.Memory.Len() > 0:
		return true
	case p.Memory.KeywordPressure(memory.KindEvent) > s.KwStrgEventReflectTh:
		return true
	case p.Memory.KeywordPressure(memory.KindThought) > s.KwStrgThoughtReflTh:
		return true
	}
	return false
}

func resetReflection(p *persona.Persona) {
	p.Scratch.ImportanceTriggerCurr = p.Scratch.ImportanceTriggerMax
	p.Scratch.ImportanceEleN = 0
	p.Memory.ResetPressure()
}

// recentStatements returns the embedding keys of the latest non-idle events
// and thoughts, at most n, oldest first.
func recentStatements(a *memory.Associative, n int) []string {
	var nodes []*memory.Node
	for _, kind := range []memory.Kind{memory.KindEvent, memory.KindThought} {
		for _, node := range a.Nodes(kind) {
			if !node.Idle() {
				nodes = append(nodes, node)
			}
		}
	}
	slices.SortStableFunc(nodes, func(x, y *memory.Node) int { return x.Created.Compare(y.Created) })
	if len(nodes) > n {
		nodes = nodes[len(nodes)-n:]
	}
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, keyOf(node))
	}
	return out
}

func keyOf(n *memory.Node) string {
	if n.EmbeddingKey != "" {
		return n.EmbeddingKey
	}
	return n.Description
}

// runReflection asks for focal questions about recent memories, retrieves
// the memories behind each and stores the insights drawn from them.
func runReflection(ctx context.Context, t *Tick) error {
	p, env := t.Persona, t.Env
	recent := recentStatements(p.Memory, max(p.Scratch.ImportanceEleN, 1))
	if len(recent) == 0 {
		return nil
	}
	focal, err := focalPointsFn.Call(ctx, env.Invoker, llm.Args{
		"statements": strings.Join(recent, "\n"),
		"count":      constants.ReflectionFocalPoints,
	})
	if err != nil {
		return err
	}
	focal = nonEmpty(focal...)
	retrieved, err := memory.Retrieve(ctx, p.Memory, env.Embedder, focal, t.Now, retrieveOptions(env, p, constants.DefaultRetrieveCount))
	if err != nil {
		return err
	}
	t.log().Info("reflecting", "focal_points", len(focal))

	for _, f := range focal {
		nodes := retrieved[f]
		if len(nodes) == 0 {
			continue
		}
		var b strings.Builder
		for i, n := range nodes {
			fmt.Fprintf(&b, "%d. %s\n", i+1, keyOf(n))
		}
		insights, err := insightsFn.Call(ctx, env.Invoker, llm.Args{
			"name":       p.Name,
			"statements": b.String(),
			"count":      constants.InsightsPerFocalPoint,
		})
		if err != nil {
			return err
		}
		for _, in := range insights {
			var evidence []string
			for _, i := range in.Evidence {
				if i >= 1 && i <= len(nodes) {
					evidence = append(evidence, nodes[i-1].ID)
				}
			}
			if err := storeThought(ctx, t, in.Insight, evidence, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeThought records text as a thought of the persona that lasts
// ThoughtLifetime. A zero poignancy is rated by the LLM.
func storeThought(ctx context.Context, t *Tick, text string, filling []string, score float64) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	tr, err := eventTripleFn.Call(ctx, t.Env.Invoker, llm.Args{"name": t.Persona.Name, "action": text})
	if err != nil {
		return err
	}
	expires := t.Now.Add(constants.ThoughtLifetime)
	_, err = t.remember(ctx, memory.NodeSpec{
		Kind:        memory.KindThought,
		Created:     t.Now,
		Expires:     &expires,
		Subject:     tr.Subject,
		Predicate:   tr.Predicate,
		Object:      tr.Object,
		Description: text,
		Keywords:    []string{tr.Subject, tr.Predicate, tr.Object},
		Poignancy:   score,
		Filling:     filling,
	})
	return err
}

// reflectOnChat stores the planning thought and the memo a finished
// conversation leaves the persona with.
func reflectOnChat(ctx context.Context, t *Tick) error {
	s := t.Persona.Scratch
	args := llm.Args{"conversation": transcript(s.Chat), "name": s.Name}
	var filling []string
	if last, ok := t.Persona.Memory.LastChat(s.ChattingWith); ok {
		filling = []string{last.ID}
	}

	plan, err := planningThoughtFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	if text := strings.TrimSpace(plan.Thought); text != "" {
		if err := storeThought(ctx, t, "For "+s.Name+"'s planning: "+text, filling, 0); err != nil {
			return err
		}
	}
	memo, err := memoFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	return storeThought(ctx, t, memo.Thought, filling, 0)
}
