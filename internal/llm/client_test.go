package llm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParamsFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want Params
	}{
		{
			name: "decoded JSON",
			in: map[string]any{
				"model":       "gpt-4o",
				"temperature": 0.2,
				"max_tokens":  300.0,
				"top_p":       1,
				"stop":        []any{"\n"},
			},
			want: Params{Model: "gpt-4o", Temperature: 0.2, MaxTokens: 300, TopP: 1, Stop: []string{"\n"}},
		},
		{
			name: "engine alias",
			in:   map[string]any{"engine": "gpt-3.5-turbo-instruct", "chat": false},
			want: Params{Model: "gpt-3.5-turbo-instruct"},
		},
		{
			name: "model wins over engine",
			in:   map[string]any{"engine": "old", "model": "new"},
			want: Params{Model: "new"},
		},
		{
			name: "wrong types ignored",
			in:   map[string]any{"temperature": "hot", "max_tokens": true, "presence_penalty": 0.5},
			want: Params{PresencePenalty: 0.5},
		},
		{
			name: "nil",
			in:   nil,
			want: Params{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParamsFromMap(tt.in)); diff != "" {
				t.Errorf("ParamsFromMap() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParams_MergeFromMap(t *testing.T) {
	base := Params{Model: "gpt-4o-mini", Temperature: 1, MaxTokens: 512, TopP: 0.7}
	got := base.Merge(ParamsFromMap(map[string]any{"temperature": 0.3}))
	want := Params{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 512, TopP: 0.7}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}
