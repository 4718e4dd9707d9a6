package llm

import (
	"encoding/json"
	"strings"
)

type jsonKind int

const (
	kindNull jsonKind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindArray
	kindObject
	kindUnknown
)

func kindOf(v any) jsonKind {
	switch x := v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return kindFloat
		}
		return kindInt
	case float64:
		if x == float64(int64(x)) {
			return kindInt
		}
		return kindFloat
	case string:
		return kindString
	case []any:
		return kindArray
	case map[string]any:
		return kindObject
	default:
		return kindUnknown
	}
}

// MatchShape reports whether actual has the same nested type structure as
// example. Both are generic JSON values as produced by DecodeJSON.
//
// Objects must contain every key of example (extra keys are allowed) with
// matching values. Every element of an array must match the first element of
// the example array; an empty example array accepts any array. Scalars must
// have the same kind, with integer and float literals kept distinct. Values
// themselves are never compared.
func MatchShape(actual, example any) bool {
	switch ex := example.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range ex {
			av, present := act[k]
			if !present || !MatchShape(av, v) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return false
		}
		if len(ex) == 0 {
			return true
		}
		for _, a := range act {
			if !MatchShape(a, ex[0]) {
				return false
			}
		}
		return true
	default:
		return kindOf(actual) == kindOf(example)
	}
}
