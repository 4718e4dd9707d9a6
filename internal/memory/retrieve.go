package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/ranking"
)

var errNoEmbedder = errors.New("no embedder configured")

// RetrieveOptions tune Retrieve.
type RetrieveOptions struct {
	// Count is the number of nodes returned per focal point.
	Count int

	// Decay is the per-rank recency factor.
	Decay float64

	// Weights multiply the normalized recency, relevance and importance.
	Weights ranking.Weights

	// Logger receives embedding failures. Nil discards them.
	Logger *slog.Logger
}

// Candidates returns the events and thoughts eligible for retrieval at now:
// created strictly before now, not expired, not idle. They are ordered most
// recently accessed first, ties broken by most recent creation.
func (a *Associative) Candidates(now time.Time) []*Node {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*Node
	for _, n := range a.nodes {
		if n.Kind == KindChat || !n.Created.Before(now) || n.Expired(now) || n.Idle() {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := a.lastAccessed[out[i].ID], a.lastAccessed[out[j].ID]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Count > out[j].Count
	})
	return out
}

// Retrieve scores every candidate against each focal point and returns the
// top opts.Count nodes per focal point. Each component is min-max
// normalized on its own before the weighted sum. Returned nodes are marked
// accessed at now. When embedding fails, relevance is flat for that focal
// point and ranking falls back to recency and importance. The error is
// non-nil only when ctx is done.
func Retrieve(ctx context.Context, a *Associative, embedder llm.Embedder, focalPoints []string, now time.Time, opts RetrieveOptions) (map[string][]*Node, error) {
	out := make(map[string][]*Node, len(focalPoints))
	for _, focal := range focalPoints {
		nodes, err := retrieveOne(ctx, a, embedder, focal, now, opts)
		if err != nil {
			return out, err
		}
		out[focal] = nodes
		a.Touch(now, nodes...)
	}
	return out, nil
}

func retrieveOne(ctx context.Context, a *Associative, embedder llm.Embedder, focal string, now time.Time, opts RetrieveOptions) ([]*Node, error) {
	candidates := a.Candidates(now)
	if len(candidates) == 0 || opts.Count <= 0 {
		return nil, nil
	}

	comp := ranking.Components{
		Recency:    ranking.RankDecay(opts.Decay, len(candidates)),
		Relevance:  make([]float64, len(candidates)),
		Importance: make([]float64, len(candidates)),
	}
	for i, n := range candidates {
		comp.Importance[i] = n.Poignancy
	}
	if err := relevance(ctx, a, embedder, focal, candidates, comp.Relevance); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger := opts.Logger
		if logger == nil {
			logger = logging.Discard()
		}
		logger.Warn("embedding failed, ranking without relevance", "focal", focal, "error", err)
		clear(comp.Relevance)
	}

	newer := func(i, j int) bool {
		return candidates[i].Created.After(candidates[j].Created) ||
			(candidates[i].Created.Equal(candidates[j].Created) && candidates[i].Count > candidates[j].Count)
	}
	top := ranking.TopN(ranking.Combine(comp, opts.Weights), opts.Count, newer)

	nodes := make([]*Node, len(top))
	for i, s := range top {
		nodes[i] = candidates[s.Index]
	}
	return nodes, nil
}

// relevance fills out with the cosine similarity of each candidate to focal.
func relevance(ctx context.Context, a *Associative, embedder llm.Embedder, focal string, candidates []*Node, out []float64) error {
	if embedder == nil {
		return errNoEmbedder
	}
	focalVec, err := embedder.Embed(ctx, focal)
	if err != nil {
		return err
	}
	for i, n := range candidates {
		vec, err := embedFor(ctx, a, embedder, n.EmbeddingKey)
		if err != nil {
			return err
		}
		out[i] = llm.CosineSimilarity(vec, focalVec)
	}
	return nil
}

// embedFor returns the stored vector for key, computing and caching it on
// a miss.
func embedFor(ctx context.Context, a *Associative, embedder llm.Embedder, key string) ([]float32, error) {
	if v, ok := a.Embedding(key); ok {
		return v, nil
	}
	v, err := embedder.Embed(ctx, key)
	if err != nil {
		return nil, err
	}
	a.SetEmbedding(key, v)
	return v, nil
}
