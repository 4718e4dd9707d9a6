// Package protocol implements the text command protocol that drives a
// simulation and the outbound envelopes it emits.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownCommand is returned by Parse for lines it does not recognise.
var ErrUnknownCommand = errors.New("unknown command")

// Kind identifies a command.
type Kind int

const (
	KindUnknown Kind = iota
	KindRun
	KindSave
	KindFinish
	KindExit
	KindPrint
	KindAnalysis
	KindWhisper
	KindChatToPersona
	KindLoadEvent
	KindLoadHistory
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindRun:           "run",
	KindSave:          "save",
	KindFinish:        "finish",
	KindExit:          "exit",
	KindPrint:         "print",
	KindAnalysis:      "analysis",
	KindWhisper:       "whisper",
	KindChatToPersona: "chat to persona",
	KindLoadEvent:     "load online event",
	KindLoadHistory:   "load history",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PrintTarget is what a print command shows.
type PrintTarget int

const (
	PrintNone PrintTarget = iota
	PrintSchedule
	PrintAllSchedules
	PrintHourlySchedule
	PrintCurrentTile
	PrintChatBuffer
	PrintAssociative
	PrintSpatial
	PrintCurrentTime
	PrintTileEvent
	PrintTileDetails
	PrintLLMStats
)

// Command is one parsed command line.
type Command struct {
	Kind Kind

	// Text is the normalised line the command was parsed from.
	Text string

	// Steps is the tick count of run.
	Steps int

	Print PrintTarget

	// Persona names the persona a print or call command is about.
	Persona string

	// MemoryKind is "event", "thought" or "chat" for associative prints.
	MemoryKind string

	// X and Y address a tile for the tile prints.
	X, Y int

	// Policy and Websearch mark the load online event variants.
	Policy    bool
	Websearch bool

	// Path is the CSV file of load history.
	Path string
}

// Payloads is the number of queue messages following the command that
// belong to it.
func (c Command) Payloads() int {
	switch c.Kind {
	case KindChatToPersona:
		return 1
	case KindLoadEvent:
		n := 2
		if c.Policy {
			n++
		}
		if c.Websearch {
			n++
		}
		return n
	}
	return 0
}

// Stops reports whether the command ends the simulation.
func (c Command) Stops() bool {
	return c.Kind == KindFinish || c.Kind == KindExit
}

// Interactive reports whether the command reads conversation lines from the
// queue until end_convo.
func (c Command) Interactive() bool {
	return c.Kind == KindAnalysis || c.Kind == KindWhisper
}

// EndConversation is the line that ends an interactive session.
const EndConversation = "end_convo"

// cutPrefix is strings.CutPrefix ignoring case. The rest keeps its case.
func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	rest := s[len(prefix):]
	if rest != "" && rest[0] != ' ' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

var printPersona = []struct {
	prefix string
	target PrintTarget
}{
	{"print persona schedule", PrintSchedule},
	{"print hourly org persona schedule", PrintHourlySchedule},
	{"print persona current tile", PrintCurrentTile},
	{"print persona chatting with buffer", PrintChatBuffer},
	{"print persona spatial memory", PrintSpatial},
}

var loadEvent = []struct {
	prefix            string
	policy, websearch bool
}{
	{"call -- with policy and websearch load online event", true, true},
	{"call -- with policy load online event", true, false},
	{"call -- with websearch load online event", false, true},
	{"call -- load online event", false, false},
}

// Parse reads one command line. Keywords are case-insensitive; persona
// names keep their case.
func Parse(line string) (Command, error) {
	text := strings.Join(strings.Fields(line), " ")
	c := Command{Text: text}
	lower := strings.ToLower(text)

	switch lower {
	case "save":
		c.Kind = KindSave
		return c, nil
	case "f", "fin", "finish", "save and finish":
		c.Kind = KindFinish
		return c, nil
	case "exit":
		c.Kind = KindExit
		return c, nil
	case "print current time":
		c.Kind, c.Print = KindPrint, PrintCurrentTime
		return c, nil
	case "print all persona schedule":
		c.Kind, c.Print = KindPrint, PrintAllSchedules
		return c, nil
	case "print llm stats":
		c.Kind, c.Print = KindPrint, PrintLLMStats
		return c, nil
	}

	if rest, ok := cutPrefix(text, "run"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return Command{Text: text}, fmt.Errorf("%w: run needs a step count: %q", ErrUnknownCommand, text)
		}
		c.Kind, c.Steps = KindRun, n
		return c, nil
	}

	for _, p := range printPersona {
		if rest, ok := cutPrefix(text, p.prefix); ok && rest != "" {
			c.Kind, c.Print, c.Persona = KindPrint, p.target, rest
			return c, nil
		}
	}
	if rest, ok := cutPrefix(text, "print persona associative memory"); ok {
		kind, name, _ := strings.Cut(rest, " ")
		kind = strings.ToLower(kind)
		if (kind == "event" || kind == "thought" || kind == "chat") && name != "" {
			c.Kind, c.Print, c.MemoryKind, c.Persona = KindPrint, PrintAssociative, kind, strings.TrimSpace(name)
			return c, nil
		}
	}
	for _, p := range []struct {
		prefix string
		target PrintTarget
	}{{"print tile event", PrintTileEvent}, {"print tile details", PrintTileDetails}} {
		if rest, ok := cutPrefix(text, p.prefix); ok {
			x, y, err := parseTile(rest)
			if err != nil {
				return Command{Text: text}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
			}
			c.Kind, c.Print, c.X, c.Y = KindPrint, p.target, x, y
			return c, nil
		}
	}

	if rest, ok := cutPrefix(text, "call -- analysis"); ok && rest != "" {
		c.Kind, c.Persona = KindAnalysis, rest
		return c, nil
	}
	if rest, ok := cutPrefix(text, "call -- whisper"); ok && rest != "" {
		c.Kind, c.Persona = KindWhisper, rest
		return c, nil
	}
	if rest, ok := cutPrefix(text, "call -- chat to persona"); ok && rest != "" {
		c.Kind, c.Persona = KindChatToPersona, rest
		return c, nil
	}
	for _, p := range loadEvent {
		if rest, ok := cutPrefix(text, p.prefix); ok && rest == "" {
			c.Kind, c.Policy, c.Websearch = KindLoadEvent, p.policy, p.websearch
			return c, nil
		}
	}
	if rest, ok := cutPrefix(text, "call -- load history"); ok && rest != "" {
		c.Kind, c.Path = KindLoadHistory, rest
		return c, nil
	}
	return Command{Text: text}, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
}

// parseTile reads "x, y".
func parseTile(s string) (int, int, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("tile must be \"x, y\": %q", s)
	}
	x, errX := strconv.Atoi(strings.TrimSpace(xs))
	y, errY := strconv.Atoi(strings.TrimSpace(ys))
	if err := errors.Join(errX, errY); err != nil {
		return 0, 0, fmt.Errorf("tile %q: %w", s, err)
	}
	return x, y, nil
}
