package simulation

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/nvandessel/reverie/internal/cognition"
	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/world"
)

// Handler executes one command. payloads holds the queue messages the
// command declared.
type Handler func(ctx context.Context, in *Instance, cmd protocol.Command, payloads []string) error

func defaultHandlers() map[protocol.Kind]Handler {
	return map[protocol.Kind]Handler{
		protocol.KindRun:           handleRun,
		protocol.KindSave:          handleSave,
		protocol.KindFinish:        handleFinish,
		protocol.KindExit:          handleExit,
		protocol.KindPrint:         handlePrint,
		protocol.KindAnalysis:      handleSession,
		protocol.KindWhisper:       handleSession,
		protocol.KindChatToPersona: handleChatToPersona,
		protocol.KindLoadEvent:     handleLoadEvent,
		protocol.KindLoadHistory:   handleLoadHistory,
	}
}

// loop reads commands until the context ends, the queue closes or the
// simulation terminates.
func (in *Instance) loop(ctx context.Context) {
	defer close(in.done)
	for {
		line, err := in.Queue.Pop(ctx)
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		in.execute(ctx, line)
		if in.Sim.State() == StateTerminating || ctx.Err() != nil {
			return
		}
	}
}

// execute runs one command line. Failures and panics are logged; they never
// stop the loop.
func (in *Instance) execute(ctx context.Context, line string) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		in.logger.Warn("ignoring command", "command", line, "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("command panicked", "command", cmd.Text, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	payloads := make([]string, 0, cmd.Payloads())
	for range cmd.Payloads() {
		p, err := in.Queue.Pop(ctx)
		if err != nil {
			in.logger.Warn("command payload missing", "command", cmd.Text, "error", err)
			return
		}
		payloads = append(payloads, p)
	}

	h, ok := in.handlers[cmd.Kind]
	if !ok {
		in.logger.Warn("no handler for command", "command", cmd.Text)
		return
	}
	in.logger.Debug("executing command", "command", cmd.Text)
	if err := h(ctx, in, cmd, payloads); err != nil {
		in.logger.Error("command failed", "command", cmd.Text, "error", err)
	}
}

// Output is the text produced by a print command.
type Output struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

func (in *Instance) print(cmd protocol.Command, text string) {
	if in.output != nil {
		fmt.Fprintln(in.output, text)
	}
	if in.Outbox != nil {
		in.Outbox.Publish(protocol.TypeLog, Output{Command: cmd.Text, Output: text})
	}
}

// handleRun steps the simulation, ending early when a finish or exit is
// next in the queue.
func handleRun(ctx context.Context, in *Instance, cmd protocol.Command, _ []string) error {
	done, err := in.Sim.RunUntil(ctx, cmd.Steps, in.stopQueued)
	if err == nil && done < cmd.Steps {
		in.logger.Info("run interrupted by queued command", "steps", done, "requested", cmd.Steps)
	}
	return err
}

// stopQueued reports whether the next queued line ends the simulation.
func (in *Instance) stopQueued() bool {
	line, ok := in.Queue.Peek()
	if !ok {
		return false
	}
	cmd, err := protocol.Parse(line)
	return err == nil && cmd.Stops()
}

func handleSave(ctx context.Context, in *Instance, _ protocol.Command, _ []string) error {
	return in.Sim.Save(ctx)
}

func handleFinish(ctx context.Context, in *Instance, _ protocol.Command, _ []string) error {
	return in.Sim.Finish(ctx)
}

func handleExit(ctx context.Context, in *Instance, _ protocol.Command, _ []string) error {
	return in.Sim.Exit(ctx)
}

func handlePrint(_ context.Context, in *Instance, cmd protocol.Command, _ []string) error {
	text, err := in.Sim.Describe(cmd)
	if err != nil {
		return err
	}
	in.print(cmd, text)
	return nil
}

// Describe renders the answer to a print command.
func (s *Simulation) Describe(cmd protocol.Command) (string, error) {
	var b strings.Builder
	switch cmd.Print {
	case protocol.PrintCurrentTime:
		c := s.Clock()
		fmt.Fprintf(&b, "%s\nsteps: %d", c.Now.Format(constants.TimeLayout), c.Step)
	case protocol.PrintAllSchedules:
		for _, name := range s.names {
			fmt.Fprintf(&b, "%s\n%s\n---\n", name, s.personas[name].Scratch.ScheduleSummary())
		}
	case protocol.PrintLLMStats:
		b.WriteString(s.Usage().Table())
	case protocol.PrintTileEvent, protocol.PrintTileDetails:
		m := s.world.Maze
		if m == nil {
			return "", errors.New("simulation has no maze")
		}
		info, err := m.Access(world.Tile{cmd.X, cmd.Y})
		if err != nil {
			return "", err
		}
		if cmd.Print == protocol.PrintTileDetails {
			fmt.Fprintf(&b, "world: %s\nsector: %s\narena: %s\ngame_object: %s\nspawning_location: %s\ncollision: %t\n",
				info.World, info.Sector, info.Arena, info.GameObject, info.Spawn, info.Collision)
			b.WriteString("events:\n")
		}
		for _, e := range m.TileEvents(world.Tile{cmd.X, cmd.Y}) {
			fmt.Fprintf(&b, "%s, %s, %s, %s\n", e.Subject, e.Predicate, e.Object, e.Description)
		}
	default:
		return s.describePersona(cmd)
	}
	return b.String(), nil
}

func (s *Simulation) describePersona(cmd protocol.Command) (string, error) {
	p, err := s.Persona(cmd.Persona)
	if err != nil {
		return "", err
	}
	sc := p.Scratch
	var b strings.Builder
	switch cmd.Print {
	case protocol.PrintSchedule:
		b.WriteString(sc.ScheduleSummary())
	case protocol.PrintHourlySchedule:
		b.WriteString(sc.HourlyOrgSummary())
	case protocol.PrintCurrentTile:
		if sc.CurrTile == nil {
			b.WriteString("no tile")
			break
		}
		b.WriteString(sc.CurrTile.String())
		if m := s.world.Maze; m != nil {
			if info, err := m.Access(*sc.CurrTile); err == nil {
				fmt.Fprintf(&b, "\n%q", info.Sector)
			}
		}
	case protocol.PrintChatBuffer:
		names := make([]string, 0, len(sc.ChattingWithBuffer))
		for name := range sc.ChattingWithBuffer {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s: %d\n", name, sc.ChattingWithBuffer[name])
		}
	case protocol.PrintAssociative:
		fmt.Fprintf(&b, "%s\n", p.Name)
		for _, n := range p.Memory.Nodes(memory.Kind(cmd.MemoryKind)) {
			fmt.Fprintf(&b, "%s: %s | %s | %s\n", n.ID, n.Created.Format(constants.TimeLayout), n.Summary(), n.Description)
		}
	case protocol.PrintSpatial:
		if p.Spatial == nil {
			return "", fmt.Errorf("%s has no spatial memory", p.Name)
		}
		b.WriteString(p.Spatial.String())
	default:
		return "", fmt.Errorf("unsupported print target in %q", cmd.Text)
	}
	return b.String(), nil
}

// handleSession runs an analysis conversation until end_convo, or plants
// one whisper.
func handleSession(ctx context.Context, in *Instance, cmd protocol.Command, _ []string) error {
	p, err := in.Sim.Persona(cmd.Persona)
	if err != nil {
		return err
	}
	env := in.Sim.Env()
	if cmd.Kind == protocol.KindWhisper {
		line, err := in.Queue.Pop(ctx)
		if err != nil {
			return err
		}
		if line == protocol.EndConversation {
			return nil
		}
		thought, err := cognition.Whisper(ctx, env, p, line)
		if err != nil {
			return err
		}
		in.print(cmd, thought)
		return nil
	}

	var convo []memory.Utterance
	for {
		line, err := in.Queue.Pop(ctx)
		if err != nil {
			return err
		}
		if line == protocol.EndConversation {
			return nil
		}
		reply, err := cognition.Chat(ctx, env, p, cognition.ModeAnalysis, convo, line)
		if err != nil {
			return err
		}
		convo = append(convo,
			memory.Utterance{cognition.ModeAnalysis.Interlocutor(), line},
			memory.Utterance{p.Name, reply})
		in.print(cmd, reply)
	}
}

// chatRequest is the payload of "call -- chat to persona".
type chatRequest struct {
	Mode     cognition.ChatMode `json:"mode"`
	PrevMsgs []memory.Utterance `json:"prev_msgs"`
	Msg      string             `json:"msg"`
}

func handleChatToPersona(ctx context.Context, in *Instance, cmd protocol.Command, payloads []string) error {
	p, err := in.Sim.Persona(cmd.Persona)
	if err != nil {
		return err
	}
	req := chatRequest{Mode: cognition.ModeAnalysis}
	if err := json.Unmarshal([]byte(payloads[0]), &req); err != nil {
		return fmt.Errorf("chat payload: %w", err)
	}
	if req.Mode == "" {
		req.Mode = cognition.ModeAnalysis
	}
	reply, err := cognition.Chat(ctx, in.Sim.Env(), p, req.Mode, req.PrevMsgs, req.Msg)
	if err != nil {
		return err
	}
	if in.Outbox != nil {
		in.Outbox.Publish(protocol.TypeChat, cognition.ChatMessage{
			Sender:  p.Name,
			Role:    "agent",
			Type:    "private",
			Content: reply,
		})
	}
	return nil
}

// handleLoadEvent publishes an online event. Payloads are the description,
// the access list, then the policy and websearch text when the command
// asks for them.
func handleLoadEvent(ctx context.Context, in *Instance, cmd protocol.Command, payloads []string) error {
	spec := cognition.EventSpec{
		Description: strings.TrimSpace(payloads[0]),
		AccessList:  cognition.ParseAccessList(payloads[1]),
	}
	rest := payloads[2:]
	if cmd.Policy {
		spec.Policy, rest = strings.TrimSpace(rest[0]), rest[1:]
	}
	if cmd.Websearch {
		spec.Websearch = strings.TrimSpace(rest[0])
	}
	id, err := cognition.PublishEvent(ctx, in.Sim.Env(), spec, in.Sim.Clock().Now)
	if err != nil {
		return err
	}
	in.logger.Info("online event loaded", "event", id, "access", spec.AccessList)
	return nil
}

func handleLoadHistory(ctx context.Context, in *Instance, cmd protocol.Command, _ []string) error {
	path := cmd.Path
	if !filepath.IsAbs(path) && in.assetsDir != "" {
		path = filepath.Join(in.assetsDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	rows, err := ReadHistory(f)
	if err != nil {
		return fmt.Errorf("reading history %s: %w", path, err)
	}
	return cognition.LoadWhispers(ctx, in.Sim.Env(), rows)
}

// ReadHistory parses a history CSV: a header row, then one row per persona
// whose second column holds ";" separated whispers.
func ReadHistory(r io.Reader) ([]cognition.WhisperRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	var rows []cognition.WhisperRow
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue
		}
		row := cognition.WhisperRow{Persona: strings.TrimSpace(rec[0])}
		for _, w := range strings.Split(rec[1], ";") {
			if w = strings.TrimSpace(w); w != "" {
				row.Whispers = append(row.Whispers, w)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
