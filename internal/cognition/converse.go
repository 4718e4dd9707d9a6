package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
)

// recentChatWindow bounds how long ago a previous conversation may have
// ended to still be mentioned in the next one.
const recentChatWindow = 8 * time.Hour

func transcript(convo []memory.Utterance) string {
	var b strings.Builder
	for _, u := range convo {
		b.WriteString(u.Speaker() + ": " + u.Text() + "\n")
	}
	return b.String()
}

// statements lists the embedding keys of retrieved nodes, one per line.
func statements(retrieved map[string][]*memory.Node, order []string) string {
	var b strings.Builder
	for _, focal := range order {
		for _, n := range retrieved[focal] {
			b.WriteString(n.EmbeddingKey + "\n")
		}
	}
	return b.String()
}

func nonEmpty(ss ...string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// converse runs a conversation between init and target, alternating turns
// for at most MaxChatRounds rounds or until a speaker ends it.
func converse(ctx context.Context, env *Env, init, target *persona.Persona, now time.Time) ([]memory.Utterance, error) {
	var convo []memory.Utterance
	for range constants.MaxChatRounds {
		for _, pair := range [][2]*persona.Persona{{init, target}, {target, init}} {
			utt, err := nextUtterance(ctx, env, pair[0], pair[1], convo, now)
			if err != nil {
				return convo, err
			}
			convo = append(convo, memory.Utterance{pair[0].Name, utt.Utterance})
			if utt.End {
				return convo, nil
			}
		}
	}
	return convo, nil
}

func nextUtterance(ctx context.Context, env *Env, a, b *persona.Persona, convo []memory.Utterance, now time.Time) (utterance, error) {
	s := a.Scratch
	focal := []string{b.Name}
	rel, err := memory.Retrieve(ctx, a.Memory, env.Embedder, focal, now, retrieveOptions(env, a, constants.RelationshipRetrieveCount))
	if err != nil {
		return utterance{}, err
	}
	relationship, err := summarizeRelationshipFn.Call(ctx, env.Invoker, llm.Args{
		"statements": statements(rel, focal),
		"name":       s.Name,
		"target":     b.Name,
	})
	if err != nil {
		return utterance{}, err
	}

	recent := convo[max(len(convo)-constants.ChatLookbackLines, 0):]
	focal = nonEmpty(relationship.Summary, b.Name+" is "+b.Scratch.ActDescription, transcript(recent))
	mem, err := memory.Retrieve(ctx, a.Memory, env.Embedder, focal, now, retrieveOptions(env, a, constants.UtteranceRetrieveCount))
	if err != nil {
		return utterance{}, err
	}
	var memories strings.Builder
	for _, f := range focal {
		for _, n := range mem[f] {
			memories.WriteString("- " + n.Description + "\n")
		}
	}

	previous := ""
	if last, ok := a.Memory.LastChat(b.Name); ok && now.Sub(last.Created) <= recentChatWindow {
		previous = fmt.Sprintf("%d minutes ago, %s and %s were already %s. This context takes place after that conversation.",
			int(now.Sub(last.Created).Minutes()), s.Name, b.Name, last.Description)
	}
	conversation := transcript(convo)
	if conversation == "" {
		conversation = "[The conversation has not started yet -- start it!]"
	}

	args := identityArgs(a)
	args["target"] = b.Name
	args["memories"] = memories.String()
	args["previous"] = previous
	args["location"] = locationOf(env, a)
	args["context"] = fmt.Sprintf("%s was %s when %s saw %s in the middle of %s.\n%s is initiating a conversation with %s.",
		s.Name, s.ActDescription, s.Name, b.Name, b.Scratch.ActDescription, s.Name, b.Name)
	args["conversation"] = conversation
	utt, err := chatUtteranceFn.Call(ctx, env.Invoker, args)
	if err != nil {
		return utterance{}, err
	}
	return utt, nil
}

// locationOf renders "arena in sector" for a persona's tile.
func locationOf(env *Env, p *persona.Persona) string {
	if env.World == nil || env.World.Maze == nil || p.Scratch.CurrTile == nil {
		return ""
	}
	info, err := env.World.Maze.Access(*p.Scratch.CurrTile)
	if err != nil {
		return ""
	}
	return info.Arena + " in " + info.Sector
}

// personaNow is the persona's clock, or the wall clock before its first
// tick.
func personaNow(p *persona.Persona) time.Time {
	if p.Scratch.CurrTime.Set() {
		return p.Scratch.CurrTime.Time
	}
	return time.Now()
}

// ChatMode selects how an outside speaker talks to a persona.
type ChatMode string

const (
	// ModeInterview asks the persona questions without changing its memory.
	ModeInterview ChatMode = "interview"
	// ModeAnalysis is an interview conducted by an analyst.
	ModeAnalysis ChatMode = "analysis"
	// ModeWhisper plants a thought in the persona's memory.
	ModeWhisper ChatMode = "whisper"
)

// ErrUnknownMode is returned for a chat mode other than the ones above.
var ErrUnknownMode = errors.New("unknown chat mode")

// Interlocutor names the outside speaker of a mode.
func (m ChatMode) Interlocutor() string {
	if m == ModeAnalysis {
		return "Analyst"
	}
	return "Interviewer"
}

// Reply answers message in an interview. prev holds the conversation so far,
// without message. The persona's memory is only read.
func Reply(ctx context.Context, env *Env, p *persona.Persona, mode ChatMode, prev []memory.Utterance, message string) (string, error) {
	now := personaNow(p)
	retrieved, err := memory.Retrieve(ctx, p.Memory, env.Embedder, []string{message}, now, retrieveOptions(env, p, constants.InterviewRetrieveCount))
	if err != nil {
		return "", err
	}
	args := identityArgs(p)
	args["statements"] = statements(retrieved, []string{message})
	args["question"] = message
	idea, err := summarizeIdeasFn.Call(ctx, env.Invoker, args)
	if err != nil {
		return "", err
	}
	convo := append(append([]memory.Utterance(nil), prev...), memory.Utterance{mode.Interlocutor(), message})
	args["interlocutor"] = mode.Interlocutor()
	args["summary"] = idea.Summary
	args["conversation"] = transcript(convo)
	next, err := nextLineFn.Call(ctx, env.Invoker, args)
	if err != nil {
		return "", err
	}
	return next.Line, nil
}

// Whisper turns message into the persona's own thought and stores it for
// ThoughtLifetime. It returns the thought.
func Whisper(ctx context.Context, env *Env, p *persona.Persona, message string) (string, error) {
	args := identityArgs(p)
	args["whisper"] = message
	th, err := whisperThoughtFn.Call(ctx, env.Invoker, args)
	if err != nil {
		return "", err
	}
	text := th.Thought
	if strings.TrimSpace(text) == "" {
		text = message
	}
	tr, err := eventTripleFn.Call(ctx, env.Invoker, llm.Args{"name": p.Name, "action": text})
	if err != nil {
		return "", err
	}
	score, err := poignancy(ctx, env, p, memory.KindEvent, message)
	if err != nil {
		return "", err
	}
	now := personaNow(p)
	expires := now.Add(constants.ThoughtLifetime)
	if _, err := remember(ctx, env, p, memory.NodeSpec{
		Kind:        memory.KindThought,
		Created:     now,
		Expires:     &expires,
		Subject:     tr.Subject,
		Predicate:   tr.Predicate,
		Object:      tr.Object,
		Description: text,
		Keywords:    []string{tr.Subject, tr.Predicate, tr.Object},
		Poignancy:   score,
	}); err != nil {
		return "", err
	}
	return text, nil
}

// Chat answers one message in mode. Whispers return the stored thought.
func Chat(ctx context.Context, env *Env, p *persona.Persona, mode ChatMode, prev []memory.Utterance, message string) (string, error) {
	switch mode {
	case ModeInterview, ModeAnalysis:
		return Reply(ctx, env, p, mode, prev, message)
	case ModeWhisper:
		return Whisper(ctx, env, p, message)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// WhisperRow is one persona and the whispers to plant in it.
type WhisperRow struct {
	Persona  string
	Whispers []string
}

// LoadWhispers plants every whisper of rows. Unknown personas fail with
// persona.ErrUnknownPersona before anything is stored.
func LoadWhispers(ctx context.Context, env *Env, rows []WhisperRow) error {
	for _, r := range rows {
		if _, ok := env.Personas[r.Persona]; !ok {
			return fmt.Errorf("%w: %s", persona.ErrUnknownPersona, r.Persona)
		}
	}
	for _, r := range rows {
		p := env.Personas[r.Persona]
		for _, w := range r.Whispers {
			if strings.TrimSpace(w) == "" {
				continue
			}
			if _, err := Whisper(ctx, env, p, w); err != nil {
				return fmt.Errorf("whispering to %s: %w", r.Persona, err)
			}
		}
	}
	return nil
}
