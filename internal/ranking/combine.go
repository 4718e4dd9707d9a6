package ranking

import "sort"

// Weights scale the three retrieval components.
type Weights struct {
	Recency    float64 `json:"recency"`
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
}

// Scale multiplies w component-wise by g.
func (w Weights) Scale(g Weights) Weights {
	return Weights{
		Recency:    w.Recency * g.Recency,
		Relevance:  w.Relevance * g.Relevance,
		Importance: w.Importance * g.Importance,
	}
}

// Components are parallel per-candidate score arrays.
type Components struct {
	Recency    []float64
	Relevance  []float64
	Importance []float64
}

// Score is one candidate's combined score and its normalized components.
type Score struct {
	Index      int     `json:"index"`
	Total      float64 `json:"total"`
	Recency    float64 `json:"recency"`
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
}

// Combine normalizes each component array to [0,1] on its own and returns
// the weighted sum per candidate. The arrays must have equal length.
func Combine(c Components, w Weights) []Score {
	rec := MinMaxNormalize(c.Recency, 0, 1)
	rel := MinMaxNormalize(c.Relevance, 0, 1)
	imp := MinMaxNormalize(c.Importance, 0, 1)

	out := make([]Score, len(rec))
	for i := range out {
		out[i] = Score{
			Index:      i,
			Recency:    rec[i],
			Relevance:  rel[i],
			Importance: imp[i],
			Total:      w.Recency*rec[i] + w.Relevance*rel[i] + w.Importance*imp[i],
		}
	}
	return out
}

// TopN returns up to n scores ordered by Total descending. newer reports
// whether candidate i is more recent than candidate j and breaks ties.
func TopN(scores []Score, n int, newer func(i, j int) bool) []Score {
	sorted := make([]Score, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].Total != sorted[b].Total {
			return sorted[a].Total > sorted[b].Total
		}
		return newer(sorted[a].Index, sorted[b].Index)
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
