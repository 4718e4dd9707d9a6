package utils

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetString(t *testing.T) {
	m := map[string]any{"model": "gpt-4o-mini", "max_tokens": 512}
	if got := GetString(m, "model", ""); got != "gpt-4o-mini" {
		t.Errorf("GetString(model) = %q", got)
	}
	if got := GetString(m, "max_tokens", "none"); got != "none" {
		t.Errorf("GetString(max_tokens) = %q, want default for wrong type", got)
	}
	if got := GetString(nil, "model", "x"); got != "x" {
		t.Errorf("GetString(nil map) = %q, want default", got)
	}
}

func TestGetStringSlice(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want []string
	}{
		{"string slice", []string{"\n", "END"}, []string{"\n", "END"}},
		{"decoded JSON array", []any{"END", 3, "STOP"}, []string{"END", "STOP"}},
		{"lone string", "END", []string{"END"}},
		{"wrong type", 42, nil},
		{"missing", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]any{}
			if tt.v != nil {
				m["stop"] = tt.v
			}
			if diff := cmp.Diff(tt.want, GetStringSlice(m, "stop")); diff != "" {
				t.Errorf("GetStringSlice() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetFloat64(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want float64
	}{
		{"float64", 0.7, 0.7},
		{"float32", float32(0.5), 0.5},
		{"int from YAML", 1, 1},
		{"int64", int64(2), 2},
		{"string", "0.7", -1},
		{"missing", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]any{}
			if tt.v != nil {
				m["temperature"] = tt.v
			}
			if got := GetFloat64(m, "temperature", -1); got != tt.want {
				t.Errorf("GetFloat64() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetInt(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int
	}{
		{"int", 512, 512},
		{"int64", int64(256), 256},
		{"float64 from JSON", 300.0, 300},
		{"truncates", 99.9, 99},
		{"bool", true, -1},
		{"missing", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]any{}
			if tt.v != nil {
				m["max_tokens"] = tt.v
			}
			if got := GetInt(m, "max_tokens", -1); got != tt.want {
				t.Errorf("GetInt() = %v, want %v", got, tt.want)
			}
		})
	}
}
