package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response contains no parseable JSON value.
var ErrNoJSON = errors.New("no JSON object or array in response")

// ExtractLargestJSON returns the longest substring of s that parses as a JSON
// object or array. It scans left to right; at every '{' or '[' it attempts a
// streaming decode, keeps the span when it parses and resumes after it.
// It returns "" when nothing parses.
func ExtractLargestJSON(s string) string {
	best := ""
	for i := 0; i < len(s); {
		if c := s[i]; c != '{' && c != '[' {
			i++
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i++
			continue
		}
		end := i + int(dec.InputOffset())
		if end-i > len(best) {
			best = s[i:end]
		}
		i = end
	}
	return best
}

// DecodeJSON decodes raw into a generic value, keeping numbers as
// json.Number so MatchShape can tell integer literals from floats.
func DecodeJSON(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseLargestJSON extracts the largest JSON value from s and decodes it.
func ParseLargestJSON(s string) (any, error) {
	raw := ExtractLargestJSON(s)
	if raw == "" {
		return nil, ErrNoJSON
	}
	return DecodeJSON(raw)
}

// toShape converts a typed example into its generic JSON form.
func toShape(example any) (any, error) {
	data, err := json.Marshal(example)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(string(bytes.TrimSpace(data)))
}
