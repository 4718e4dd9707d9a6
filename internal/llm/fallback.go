package llm

import (
	"context"
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// FallbackClient never produces a completion. Every decision routed through
// it takes its failsafe, which keeps a simulation running without a provider.
type FallbackClient struct{}

// NewFallbackClient creates a new FallbackClient.
func NewFallbackClient() *FallbackClient {
	return &FallbackClient{}
}

// Complete always returns ErrUnavailable.
func (c *FallbackClient) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrUnavailable
}

// Available returns false because this is a fallback client.
// This signals to selection logic that an LLM provider should be preferred.
func (c *FallbackClient) Available() bool {
	return false
}

// DefaultHashDimensions is the vector width produced by NewHashEmbedder(0).
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic bag-of-words embedder. Each lowercased word
// is hashed into a signed bucket, so texts sharing words have positive cosine
// similarity. It needs no network and no model file.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of the given width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed returns an L2-normalized vector. Empty text yields the zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, word := range tokenize(text) {
		sum := blake3.Sum256([]byte(strings.ToLower(word)))
		bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(e.dims)
		if sum[8]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
