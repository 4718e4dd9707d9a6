package cognition

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
	"github.com/nvandessel/reverie/internal/world"
)

// Reserved action addresses. They name a place relative to another persona
// or a tile rather than a spatial-memory address.
const (
	addrPersona = "<persona>"
	addrWaiting = "<waiting>"
)

// pathSamples is how many candidate tiles of an address are routed to.
const pathSamples = 4

// executeSpatial starts the next scheduled action when the current one is
// over, plans the path to it and takes one step.
func executeSpatial(ctx context.Context, t *Tick) error {
	s := t.Persona.Scratch
	if s.ActionFinished() {
		if err := determineAction(ctx, t); err != nil {
			return err
		}
	}
	if !s.ActPathSet {
		s.PlannedPath = planPath(t)
		s.ActPathSet = true
	}

	var next *world.Tile
	switch {
	case len(s.PlannedPath) > 0:
		step := s.PlannedPath[0]
		s.PlannedPath = s.PlannedPath[1:]
		next = &step
	case s.CurrTile != nil:
		step := *s.CurrTile
		next = &step
	}
	t.Movement = Movement{
		Tile:         next,
		Pronunciatio: s.ActPronunciatio,
		Description:  s.ActDescription + " @ " + s.ActAddress,
		Chat:         s.Chat,
	}
	return nil
}

// scheduledItem returns the schedule item running now and the minutes left
// of it.
func scheduledItem(s *persona.Scratch) (persona.ScheduleItem, int) {
	idx := s.ScheduleIndex(0)
	if idx >= len(s.DailySchedule) {
		task := "idle"
		if h := s.CurrTime.Hour(); h < 6 || h >= 23 {
			task = "sleeping"
		}
		return persona.ScheduleItem{Task: task, Minutes: 30}, 30
	}
	item := s.DailySchedule[idx]
	left := persona.ScheduleStart(s.DailySchedule, idx+1) - minuteOfDay(s.CurrTime.Time)
	return item, max(left, 1)
}

// splitTask separates "task (subtask)" into its parts. A plain task is its
// own subtask.
func splitTask(desc string) (string, string) {
	if i := strings.Index(desc, " ("); i >= 0 && strings.HasSuffix(desc, ")") {
		return desc[:i], desc[i+2 : len(desc)-1]
	}
	return desc, desc
}

// determineAction turns the current schedule item into the persona's action:
// where it happens, its emoji and the events of the persona and the object.
func determineAction(ctx context.Context, t *Tick) error {
	s, inv := t.Persona.Scratch, t.Env.Invoker
	item, minutes := scheduledItem(s)
	task, subtask := splitTask(item.Task)

	address, err := resolveAddress(ctx, t, task, subtask)
	if err != nil {
		return err
	}
	em, err := pronunciatioFn.Call(ctx, inv, llm.Args{"action": item.Task})
	if err != nil {
		return err
	}
	ev, err := eventTripleFn.Call(ctx, inv, llm.Args{"name": s.Name, "action": item.Task})
	if err != nil {
		return err
	}

	a := persona.Action{
		Address:      address,
		Duration:     minutes,
		Description:  item.Task,
		Pronunciatio: em.Emoji,
		Event:        persona.Triple{s.Name, ev.Predicate, ev.Object},
	}
	if obj := lastPart(address); strings.Count(address, ":") == 3 && obj != "" {
		state, err := objEventFn.Call(ctx, inv, llm.Args{"name": s.Name, "action": item.Task, "object": obj})
		if err != nil {
			return err
		}
		ot, err := eventTripleFn.Call(ctx, inv, llm.Args{"name": obj, "action": state.State})
		if err != nil {
			return err
		}
		oem, err := pronunciatioFn.Call(ctx, inv, llm.Args{"action": state.State})
		if err != nil {
			return err
		}
		a.ObjDescription = state.State
		a.ObjPronunciatio = oem.Emoji
		a.ObjEvent = persona.Triple{address, ot.Predicate, ot.Object}
	}
	s.StartAction(a)
	t.log().Debug("new action", "action", item.Task, "address", address, "minutes", minutes)
	return nil
}

// visibleSectors drops other people's houses from the sectors the persona
// may choose.
func visibleSectors(sectors []string, living, current string) []string {
	return slices.DeleteFunc(slices.Clone(sectors), func(sec string) bool {
		return strings.Contains(sec, "house") && sec != living && sec != current
	})
}

// visibleArenas drops other people's rooms from the arenas of a sector.
func visibleArenas(arenas []string, living string) []string {
	return slices.DeleteFunc(slices.Clone(arenas), func(ar string) bool {
		return strings.Contains(ar, "'s room") && ar != living
	})
}

// resolveAddress chooses the world:sector:arena:object address of a task
// from the persona's spatial memory. Without spatial knowledge the persona
// stays in its living area.
func resolveAddress(ctx context.Context, t *Tick, task, subtask string) (string, error) {
	s, sp := t.Persona.Scratch, t.Persona.Spatial
	m := t.Env.World.Maze
	if m == nil || sp == nil || s.CurrTile == nil {
		return s.LivingArea, nil
	}
	here, err := m.Access(*s.CurrTile)
	if err != nil {
		return s.LivingArea, nil
	}
	wld := here.World
	living := strings.Split(s.LivingArea, ":")
	livingSector, livingArena := "", ""
	if len(living) > 1 {
		livingSector = living[1]
	}
	if len(living) > 2 {
		livingArena = living[2]
	}

	sectors := visibleSectors(sp.Sectors(wld), livingSector, here.Sector)
	if len(sectors) == 0 {
		return s.LivingArea, nil
	}
	args := llm.Args{
		"name":           s.Name,
		"living_sector":  livingSector,
		"living_arenas":  strings.Join(sp.Arenas(wld, livingSector), ", "),
		"current_sector": here.Sector,
		"current_arenas": strings.Join(sp.Arenas(wld, here.Sector), ", "),
		"daily_plan_req": s.DailyPlanReq,
		"action":         task,
		"subtask":        subtask,
		"options":        sectors,
		"options_text":   strings.Join(sectors, ", "),
	}
	sec, err := actionSectorFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return "", err
	}
	sector := pick(t.Env, sectors, sec.Place, livingSector)

	arenas := visibleArenas(sp.Arenas(wld, sector), livingArena)
	if len(arenas) == 0 {
		return wld + ":" + sector, nil
	}
	args = llm.Args{
		"name":         s.Name,
		"sector":       sector,
		"action":       task,
		"subtask":      subtask,
		"options":      arenas,
		"options_text": strings.Join(arenas, ", "),
	}
	ar, err := actionArenaFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return "", err
	}
	arena := pick(t.Env, arenas, ar.Place, livingArena)

	objects := sp.Objects(wld, sector, arena)
	if len(objects) == 0 {
		return wld + ":" + sector + ":" + arena, nil
	}
	args = llm.Args{
		"action":       subtask,
		"options":      objects,
		"options_text": strings.Join(objects, ", "),
	}
	ob, err := actionObjectFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{wld, sector, arena, pick(t.Env, objects, ob.Object, "")}, ":"), nil
}

// pick returns answer when it is an option, then preferred, then a random
// option.
func pick(env *Env, options []string, answer, preferred string) string {
	answer = strings.TrimSpace(answer)
	switch {
	case slices.Contains(options, answer):
		return answer
	case preferred != "" && slices.Contains(options, preferred):
		return preferred
	}
	return options[env.intN(len(options))]
}

// planPath returns the tiles to walk, current tile excluded. Personas walk
// halfway toward a chat partner; waiting personas walk to their tile.
func planPath(t *Tick) []world.Tile {
	s, m := t.Persona.Scratch, t.Env.World.Maze
	if m == nil || s.CurrTile == nil {
		return nil
	}
	cur := *s.CurrTile
	addr := s.ActAddress

	switch {
	case strings.HasPrefix(addr, addrPersona):
		other, ok := t.Env.Personas[strings.TrimSpace(strings.TrimPrefix(addr, addrPersona))]
		if !ok || other.Scratch.CurrTile == nil {
			return nil
		}
		full := m.FindPath(cur, *other.Scratch.CurrTile)
		if len(full) <= 2 {
			return nil
		}
		return full[1 : len(full)/2+1]
	case strings.HasPrefix(addr, addrWaiting):
		f := strings.Fields(strings.TrimPrefix(addr, addrWaiting))
		if len(f) != 2 {
			return nil
		}
		x, errX := strconv.Atoi(f[0])
		y, errY := strconv.Atoi(f[1])
		if errX != nil || errY != nil {
			return nil
		}
		return tail(m.FindPath(cur, world.Tile{x, y}))
	}

	targets := addressTargets(m, addr)
	if len(targets) == 0 {
		t.log().Warn("no tiles for address", "address", addr)
		return nil
	}
	if slices.Contains(targets, cur) {
		return nil
	}
	for i := len(targets) - 1; i > 0; i-- {
		j := t.Env.intN(i + 1)
		targets[i], targets[j] = targets[j], targets[i]
	}
	var best []world.Tile
	for _, goal := range targets[:min(pathSamples, len(targets))] {
		if p := m.FindPath(cur, goal); p != nil && (best == nil || len(p) < len(best)) {
			best = p
		}
	}
	return tail(best)
}

// addressTargets returns the tiles of addr, widening the address one level
// at a time until some tile matches.
func addressTargets(m *world.Maze, addr string) []world.Tile {
	for addr != "" {
		if tiles := m.AddressTiles(addr); len(tiles) > 0 {
			return tiles
		}
		i := strings.LastIndexByte(addr, ':')
		if i < 0 {
			break
		}
		addr = addr[:i]
	}
	return nil
}

func tail(path []world.Tile) []world.Tile {
	if len(path) < 2 {
		return nil
	}
	return path[1:]
}

// CommentMessage is published when a persona comments on an event.
type CommentMessage struct {
	EventID int    `json:"event_id"`
	Persona string `json:"persona"`
	Comment string `json:"comment"`
}

// ChatMessage is a line of the public chat stream.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// executeOnline writes the persona's comment on the latest event it read,
// when the plan decided to comment.
func executeOnline(ctx context.Context, t *Tick) error {
	if !t.Comment || len(t.Retrieved) == 0 {
		return nil
	}
	last := t.Retrieved[len(t.Retrieved)-1]
	args := identityArgs(t.Persona)
	args["news"] = newsList(t.Retrieved)
	args["context"] = retrievedContext(t.Retrieved)
	args["policy"] = last.Policy
	args["websearch"] = last.Websearch
	c, err := commentFnFor(last.Policy, last.Websearch).Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(c.Comment)
	if text == "" {
		return nil
	}

	name := t.Persona.Name
	eventKey := fmt.Sprintf("event %d", last.EventID)
	if _, err := t.remember(ctx, memory.NodeSpec{
		Kind:        memory.KindChat,
		Created:     t.Now,
		Subject:     name,
		Predicate:   "comment on",
		Object:      eventKey,
		Description: text,
		Keywords:    []string{name, eventKey},
		Transcript:  []memory.Utterance{{name, text}},
	}); err != nil {
		return err
	}
	if !t.Env.World.Feed.Append(last.EventID, world.Post{Author: name, Description: text, Created: t.Now}) {
		t.log().Warn("comment on unknown event", "event_id", last.EventID)
		return nil
	}
	t.Env.publish("agent_comment", CommentMessage{EventID: last.EventID, Persona: name, Comment: text})
	t.Env.publish("chat", ChatMessage{Sender: name, Role: "agent", Type: "public", Content: text})
	t.Movement.Description = text
	return nil
}

// newsList numbers the posts read this tick.
func newsList(retrieved []Retrieved) string {
	var b strings.Builder
	for i, r := range retrieved {
		fmt.Fprintf(&b, "%d. %s said, %s\n", i+1, r.Author, r.Node.Description)
	}
	return b.String()
}

// retrievedContext numbers the distinct events, then thoughts, retrieved
// for the posts read this tick.
func retrievedContext(retrieved []Retrieved) string {
	seen := make(map[string]bool)
	var b strings.Builder
	n := 0
	add := func(nodes []*memory.Node) {
		for _, node := range nodes {
			if seen[node.ID] {
				continue
			}
			seen[node.ID] = true
			n++
			fmt.Fprintf(&b, "%d. %s\n", n, node.Description)
		}
	}
	for _, r := range retrieved {
		add(r.Events)
	}
	for _, r := range retrieved {
		add(r.Thoughts)
	}
	return b.String()
}
