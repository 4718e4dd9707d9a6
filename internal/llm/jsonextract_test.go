package llm

import (
	"errors"
	"testing"
)

func TestExtractLargestJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bare object", input: `{"time": "06:30"}`, want: `{"time": "06:30"}`},
		{name: "wrapped in prose", input: "Sure! Here you go:\n{\"a\": 1}\nHope that helps.", want: `{"a": 1}`},
		{name: "code fence", input: "```json\n[1, 2, 3]\n```", want: `[1, 2, 3]`},
		{name: "picks largest", input: `{"a":1} and then {"b": [1, 2, 3]}`, want: `{"b": [1, 2, 3]}`},
		{name: "nested counts as one", input: `x {"outer": {"inner": [1]}} y`, want: `{"outer": {"inner": [1]}}`},
		{name: "invalid start skipped", input: `{broken [ {"ok": true}`, want: `{"ok": true}`},
		{name: "no json", input: "I cannot help with that.", want: ""},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractLargestJSON(tt.input); got != tt.want {
				t.Errorf("ExtractLargestJSON(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLargestJSON_NoJSON(t *testing.T) {
	if _, err := ParseLargestJSON("nothing here"); !errors.Is(err, ErrNoJSON) {
		t.Errorf("ParseLargestJSON() error = %v, want ErrNoJSON", err)
	}
}
