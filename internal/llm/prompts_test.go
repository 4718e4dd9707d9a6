package llm

import (
	"testing"
	"testing/fstest"
)

func TestParseSections(t *testing.T) {
	md := "preamble is dropped\n# System prompt\nYou are {{.name}}.\n\n## User Prompt\nWhat now?\n# Description\nA test.\n"
	got := ParseSections(md)

	want := map[string]string{
		"system prompt": "You are {{.name}}.",
		"user prompt":   "What now?",
		"description":   "A test.",
	}
	if len(got) != len(want) {
		t.Fatalf("ParseSections() returned %d sections, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("section %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestUnescapeMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`first\_name`, `first_name`},
		{`\*bold\*`, `*bold*`},
		{`\[1\] \(a\)`, `[1] (a)`},
		{`keep \\ this`, `keep \\ this`},
		{`plain`, `plain`},
	}
	for _, tt := range tests {
		if got := UnescapeMarkdown(tt.in); got != tt.want {
			t.Errorf("UnescapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadPrompt(t *testing.T) {
	fsys := fstest.MapFS{
		"wake.md":    {Data: []byte("# System prompt\nYou plan \\_days\\_.\n# User prompt\nWhen does {{.name}} wake?\n")},
		"no_user.md": {Data: []byte("# System prompt\nhello\n")},
	}

	p, err := LoadPrompt(fsys, "wake.md")
	if err != nil {
		t.Fatalf("LoadPrompt() error = %v", err)
	}
	if p.Name != "wake" || p.System != "You plan _days_." || p.User != "When does {{.name}} wake?" {
		t.Errorf("LoadPrompt() = %+v", p)
	}

	if _, err := LoadPrompt(fsys, "no_user.md"); err == nil {
		t.Error("LoadPrompt() should fail without a user prompt section")
	}
	if _, err := LoadPrompt(fsys, "missing.md"); err == nil {
		t.Error("LoadPrompt() should fail for a missing file")
	}
}
