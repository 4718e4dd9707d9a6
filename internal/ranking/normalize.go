// Package ranking holds the numeric primitives of memory retrieval: recency
// decay, min-max normalization and weighted top-N selection.
package ranking

// MinMaxNormalize maps vals linearly onto [lo, hi] and returns a new slice.
// When every value is equal each maps to (hi-lo)/2, so a flat component
// neither helps nor hurts any candidate.
func MinMaxNormalize(vals []float64, lo, hi float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}

	minV, maxV := vals[0], vals[0]
	for _, v := range vals[1:] {
		minV = min(minV, v)
		maxV = max(maxV, v)
	}

	span := maxV - minV
	for i, v := range vals {
		if span == 0 {
			out[i] = (hi - lo) / 2
			continue
		}
		out[i] = (v-minV)*(hi-lo)/span + lo
	}
	return out
}
