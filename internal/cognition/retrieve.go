package cognition

import (
	"context"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
)

// retrieve gathers context for every percept: the nodes ranked by recency,
// relevance and importance against its description, followed by the
// unexpired events and thoughts sharing a keyword with its subject,
// predicate or object.
func retrieve(ctx context.Context, t *Tick) error {
	if len(t.Perceived) == 0 {
		return nil
	}
	m := t.Persona.Memory
	focal := make([]string, 0, len(t.Perceived))
	for _, p := range t.Perceived {
		focal = append(focal, p.Node.Description)
	}
	ranked, err := memory.Retrieve(ctx, m, t.Env.Embedder, focal, t.Now, retrieveOptions(t.Env, t.Persona, constants.DefaultRetrieveCount))
	if err != nil {
		return err
	}

	for _, p := range t.Perceived {
		r := Retrieved{Percept: p}
		seen := make(map[string]bool)
		add := func(nodes []*memory.Node) {
			for _, n := range nodes {
				if seen[n.ID] || n.ID == p.Node.ID {
					continue
				}
				seen[n.ID] = true
				if n.Kind == memory.KindThought {
					r.Thoughts = append(r.Thoughts, n)
				} else {
					r.Events = append(r.Events, n)
				}
			}
		}
		add(ranked[p.Node.Description])

		s, pred, o := p.Node.SPO()
		events, thoughts := m.RelatedByKeywords(t.Now, lastPart(s), pred, lastPart(o))
		add(events)
		add(thoughts)
		t.Retrieved = append(t.Retrieved, r)
	}
	return nil
}

// retrieveOptions returns p's retrieval tuning for count nodes, logging
// through env.
func retrieveOptions(env *Env, p *persona.Persona, count int) memory.RetrieveOptions {
	opts := p.Scratch.RetrieveOptions(count)
	opts.Logger = env.logger()
	return opts
}
