package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/sanitize"
	"github.com/nvandessel/reverie/internal/store"
)

// Chat queues a chat-to-persona command and waits up to timeout for the
// persona's private reply envelope.
func (in *Instance) Chat(ctx context.Context, name string, mode cognition.ChatMode, prev []memory.Utterance, msg string, timeout time.Duration) (string, error) {
	if !slices.Contains(in.Sim.Names(), name) {
		return "", fmt.Errorf("%w: %s", persona.ErrUnknownPersona, name)
	}
	if in.Outbox == nil {
		return "", errors.New("simulation has no outbox")
	}
	if mode == "" {
		mode = cognition.ModeAnalysis
	}
	payload, err := json.Marshal(chatRequest{Mode: mode, PrevMsgs: prev, Msg: sanitize.Text(msg)})
	if err != nil {
		return "", err
	}

	replies := make(chan string, 1)
	id := in.Outbox.Register(protocol.ListenerFunc(func(e protocol.Envelope) error {
		m, ok := e.Message.(cognition.ChatMessage)
		if ok && e.Type == protocol.TypeChat && m.Sender == name && m.Type == "private" {
			select {
			case replies <- m.Content:
			default:
			}
		}
		return nil
	}))
	defer in.Outbox.Unregister(id)

	in.Submit("call -- chat to persona "+name, string(payload))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-replies:
		return r, nil
	case <-in.Done():
		return "", fmt.Errorf("%s stopped before %s replied", in.Sim.Code(), name)
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for %s to reply: %w", name, ctx.Err())
	}
}

// PublishEventLines builds the policy-and-websearch load online event
// command with its four payload lines.
func PublishEventLines(description string, access []string, policy, websearch string) []string {
	names := make([]string, 0, len(access))
	for _, a := range access {
		if a = sanitize.Line(a); a != "" {
			names = append(names, a)
		}
	}
	return []string{
		"call -- with policy and websearch load online event",
		sanitize.Line(description),
		strings.Join(names, ", "),
		sanitize.Line(policy),
		sanitize.Line(websearch),
	}
}

// StoredStatus describes a simulation that has no live instance.
func StoredStatus(m store.Meta) Status {
	return Status{
		SimCode:  m.SimCode,
		Status:   StateTerminating.String(),
		Mode:     m.SimMode,
		Step:     m.Step,
		CurrTime: m.CurrTime,
		Personas: m.PersonaNames,
	}
}
