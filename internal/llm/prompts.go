package llm

import (
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
)

var headerPattern = regexp.MustCompile(`^(#+)\s+(.*)`)

// ParseSections splits a markdown document into sections keyed by their
// lowercased header text. Content before the first header is dropped.
func ParseSections(md string) map[string]string {
	sections := make(map[string]string)
	var (
		header  string
		content []string
		started bool
	)
	flush := func() {
		if started {
			sections[strings.ToLower(strings.TrimSpace(header))] = strings.TrimSpace(strings.Join(content, "\n"))
		}
	}
	for _, line := range strings.Split(md, "\n") {
		if m := headerPattern.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			flush()
			header, content, started = m[2], nil, true
			continue
		}
		if started {
			content = append(content, line)
		}
	}
	flush()
	return sections
}

var markdownEscape = regexp.MustCompile(`\\([\\*_#\[\]()!>|{}+\-.])`)

// UnescapeMarkdown removes backslash escapes in front of markdown
// punctuation. Literal double backslashes are preserved.
func UnescapeMarkdown(text string) string {
	const placeholder = "\x00DOUBLE_BACKSLASH\x00"
	tmp := strings.ReplaceAll(text, `\\`, placeholder)
	tmp = markdownEscape.ReplaceAllString(tmp, "$1")
	return strings.ReplaceAll(tmp, placeholder, `\\`)
}

// Prompt is a system/user template pair loaded from a markdown prompt file
// with "# System prompt" and "# User prompt" sections.
type Prompt struct {
	Name        string
	Description string
	System      string
	User        string
}

// LoadPrompt reads name from fsys and splits it into sections.
func LoadPrompt(fsys fs.FS, name string) (Prompt, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Prompt{}, fmt.Errorf("reading prompt %s: %w", name, err)
	}
	sections := ParseSections(string(data))
	user, ok := sections["user prompt"]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %s: missing \"# User prompt\" section", name)
	}
	return Prompt{
		Name:        strings.TrimSuffix(name, ".md"),
		Description: sections["description"],
		System:      UnescapeMarkdown(sections["system prompt"]),
		User:        UnescapeMarkdown(user),
	}, nil
}

// MustLoadPrompt is LoadPrompt for embedded prompt sets known at build time.
func MustLoadPrompt(fsys fs.FS, name string) Prompt {
	p, err := LoadPrompt(fsys, name)
	if err != nil {
		panic(err)
	}
	return p
}

func parseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Option("missingkey=zero").Parse(text)
}

func render(t *template.Template, args Args) (string, error) {
	if t == nil {
		return "", nil
	}
	var b strings.Builder
	if err := t.Execute(&b, map[string]any(args)); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
