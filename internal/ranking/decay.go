package ranking

// RankDecay returns n recency scores for items ordered most recent first:
// the item at rank i (0-based) scores decay^(i+1).
func RankDecay(decay float64, n int) []float64 {
	out := make([]float64, n)
	v := 1.0
	for i := range out {
		v *= decay
		out[i] = v
	}
	return out
}
