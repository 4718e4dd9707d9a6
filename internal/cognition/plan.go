package cognition

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
)

// chatCooldown is the number of ticks two personas wait before chatting
// again.
const chatCooldown = 800

func identityArgs(p *persona.Persona) llm.Args {
	s := p.Scratch
	return llm.Args{
		"identity":       s.IdentitySet(),
		"name":           s.Name,
		"first_name":     s.FirstNameOrName(),
		"lifestyle":      s.Lifestyle,
		"date":           s.DateString(),
		"daily_plan_req": s.DailyPlanReq,
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// planSpatial plans the day, keeps the schedule decomposed and reacts to
// what the persona perceived.
func planSpatial(ctx context.Context, t *Tick) error {
	if err := planCommon(ctx, t); err != nil {
		return err
	}
	focus := chooseFocus(t)
	if focus == nil {
		return nil
	}
	target, ok := t.Env.Personas[focus.Node.Subject]
	if !ok || target == t.Persona {
		return nil
	}
	talk, err := letsTalk(ctx, t, target, focus)
	if err != nil {
		return err
	}
	if talk {
		return chatReact(ctx, t, target)
	}
	wait, err := letsWait(ctx, t, target, focus)
	if err != nil || !wait {
		return err
	}
	waitReact(t, target)
	return nil
}

// planOnline plans the day and decides whether to comment on the news.
func planOnline(ctx context.Context, t *Tick) error {
	if err := planCommon(ctx, t); err != nil {
		return err
	}
	if len(t.Retrieved) == 0 {
		return nil
	}
	args := identityArgs(t.Persona)
	args["time"] = t.Now.Format(constants.TimeLayout)
	args["news"] = newsList(t.Retrieved)
	args["context"] = retrievedContext(t.Retrieved)
	ans, err := decideToCommentFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	t.Comment = ans.Yes()
	t.log().Debug("decided on comment", "comment", t.Comment, "reasoning", ans.Reasoning)
	return nil
}

func planCommon(ctx context.Context, t *Tick) error {
	t.Persona.Scratch.DecrementChatBuffer()
	if t.Day != SameDay {
		if err := planDay(ctx, t); err != nil {
			return err
		}
	}
	if pl := t.Env.World.Planning; pl != nil && pl.NeedStagePlanning() {
		if err := planStage(ctx, t); err != nil {
			return err
		}
	}
	if t.Persona.Scratch.ActionFinished() {
		return decomposeCurrent(ctx, t)
	}
	return nil
}

// planDay picks the wake-up hour, writes the daily plan and fills the hourly
// schedule, then remembers the plan as a thought.
func planDay(ctx context.Context, t *Tick) error {
	s, inv := t.Persona.Scratch, t.Env.Invoker
	args := identityArgs(t.Persona)

	wake, err := wakeUpHourFn.Call(ctx, inv, args)
	if err != nil {
		return err
	}
	hour := wake.Hour()
	args["wake_up"] = fmt.Sprintf("%d:00 am", hour)
	args["stage_plan"] = strings.Join(s.StagePlan, "; ")
	plan, err := dailyPlanFn.Call(ctx, inv, args)
	if err != nil {
		return err
	}
	s.DailyReq = append([]string{fmt.Sprintf("wake up and complete the morning routine at %d:00 am", hour)}, plan.Plan...)

	args["daily_plan"] = numbered(s.DailyReq)
	hours := make([]string, 24)
	var prior strings.Builder
	for h := range hours {
		clock := time.Date(2000, 1, 1, h, 0, 0, 0, time.UTC).Format(constants.ClockLayout)
		if h < hour {
			hours[h] = "sleeping"
		} else {
			fallback := dailyItemAt(s.DailyReq, h, hour)
			args["hour"] = clock
			args["prior"] = prior.String()
			args["fallback"] = fallback
			act, err := hourlyScheduleFn.Call(ctx, inv, args)
			if err != nil {
				return err
			}
			hours[h] = strings.TrimSuffix(strings.TrimSpace(act.Activity), ".")
			if hours[h] == "" {
				hours[h] = fallback
			}
		}
		fmt.Fprintf(&prior, "[%s -- %s] Activity: %s is %s\n", s.DateString(), clock, s.FirstNameOrName(), hours[h])
	}
	s.DailyScheduleHourlyOrg = CompressHourly(hours)
	s.DailySchedule = slices.Clone(s.DailyScheduleHourlyOrg)

	date := t.Now.Format(constants.DateLayout)
	expires := t.Now.Add(constants.ThoughtLifetime)
	_, err = t.remember(ctx, memory.NodeSpec{
		Kind:        memory.KindThought,
		Created:     t.Now,
		Expires:     &expires,
		Subject:     s.Name,
		Predicate:   "plan",
		Object:      date,
		Description: fmt.Sprintf("This is %s's plan for %s: %s.", s.Name, date, strings.Join(s.DailyReq, ", ")),
		Keywords:    []string{"plan"},
		Poignancy:   5,
	})
	return err
}

// dailyItemAt maps an hour after waking onto the daily plan.
func dailyItemAt(req []string, hour, wake int) string {
	if len(req) == 0 {
		return "idle"
	}
	span := max(24-wake, 1)
	i := min((hour-wake)*len(req)/span, len(req)-1)
	return req[max(i, 0)]
}

func numbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d) %s", i+1, it)
	}
	return b.String()
}

// planStage writes the persona's goals for the pending planning stage.
func planStage(ctx context.Context, t *Tick) error {
	s := t.Persona.Scratch
	first, last := t.Env.World.Planning.Window()
	args := identityArgs(t.Persona)
	args["first_day"] = first.Format(constants.DayLayout)
	args["last_day"] = last.Format(constants.DayLayout)
	plan, err := stagePlanFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	s.StagePlan = plan.Plan
	expires := t.Now.Add(constants.ThoughtLifetime)
	_, err = t.remember(ctx, memory.NodeSpec{
		Kind:        memory.KindThought,
		Created:     t.Now,
		Expires:     &expires,
		Subject:     s.Name,
		Predicate:   "plan",
		Object:      "stage",
		Description: fmt.Sprintf("This is %s's plan from %s to %s: %s.", s.Name, args["first_day"], args["last_day"], strings.Join(plan.Plan, ", ")),
		Keywords:    []string{"plan", "stage"},
		Poignancy:   5,
	})
	return err
}

// decomposeCurrent splits the schedule item that starts the next action into
// subtasks.
func decomposeCurrent(ctx context.Context, t *Tick) error {
	s := t.Persona.Scratch
	idx := s.ScheduleIndex(0)
	if idx >= len(s.DailySchedule) || !needsDecomposition(s.DailySchedule[idx]) {
		return nil
	}
	item := s.DailySchedule[idx]
	start := persona.ScheduleStart(s.DailySchedule, idx)

	args := identityArgs(t.Persona)
	args["task"] = item.Task
	args["duration"] = item.Minutes
	args["time_range"] = clockRange(start, start+item.Minutes)
	args["surrounding"] = surroundingSchedule(s)
	subs, err := taskDecompFn.Call(ctx, t.Env.Invoker, args)
	if err != nil {
		return err
	}
	items := make([]persona.ScheduleItem, 0, len(subs))
	for _, st := range subs {
		items = append(items, persona.ScheduleItem{Task: st.Subtask, Minutes: st.Duration})
	}
	s.DailySchedule = slices.Replace(s.DailySchedule, idx, idx+1, Decompose(item.Task, item.Minutes, items)...)
	return nil
}

func clockRange(from, to int) string {
	f := func(m int) string { return fmt.Sprintf("%02d:%02d", m/60%24, m%60) }
	return f(from) + " ~ " + f(to)
}

// surroundingSchedule describes the current hourly item and the two after it.
func surroundingSchedule(s *persona.Scratch) string {
	org := s.DailyScheduleHourlyOrg
	i := s.HourlyOrgIndex(0)
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s. ", s.CurrTime.Format(constants.DateLayout))
	for j := i; j < min(i+3, len(org)); j++ {
		start := persona.ScheduleStart(org, j)
		fmt.Fprintf(&b, "From %s, %s is planning on %s. ", clockRange(start, start+org[j].Minutes), s.Name, org[j].Task)
	}
	return strings.TrimSpace(b.String())
}

// chooseFocus picks the percept to react to: another persona's event when
// there is one, otherwise any non-idle event not caused by the persona.
func chooseFocus(t *Tick) *Retrieved {
	var personas, others []*Retrieved
	for i := range t.Retrieved {
		r := &t.Retrieved[i]
		if r.Node.Kind != memory.KindEvent || r.Node.Subject == t.Persona.Name || containsIdle(r.Node.Description) {
			continue
		}
		if !strings.Contains(r.Node.Subject, ":") {
			personas = append(personas, r)
		} else {
			others = append(others, r)
		}
	}
	switch {
	case len(personas) > 0:
		return personas[t.Env.intN(len(personas))]
	case len(others) > 0:
		return others[t.Env.intN(len(others))]
	}
	return nil
}

func containsIdle(desc string) bool {
	return strings.Contains(desc, "is idle")
}

// busy reports whether either persona cannot be interrupted.
func busy(t *Tick, target *persona.Persona) bool {
	a, b := t.Persona.Scratch, target.Scratch
	switch {
	case a.ActAddress == "" || a.ActDescription == "" || b.ActAddress == "" || b.ActDescription == "":
		return true
	case strings.Contains(a.ActDescription, "sleeping") || strings.Contains(b.ActDescription, "sleeping"):
		return true
	case t.Now.Hour() == 23:
		return true
	case strings.Contains(b.ActAddress, "<waiting>"):
		return true
	case a.ChattingWith != "" || b.ChattingWith != "":
		return true
	}
	return false
}

func actionPhrase(desc string) string {
	if i := strings.LastIndexByte(desc, '('); i >= 0 {
		return strings.TrimSuffix(desc[i+1:], ")")
	}
	return desc
}

func reactionArgs(t *Tick, target *persona.Persona, focus *Retrieved) llm.Args {
	a, b := t.Persona.Scratch, target.Scratch
	var ctxb strings.Builder
	for _, n := range focus.Events {
		ctxb.WriteString(n.Description + ". ")
	}
	ctxb.WriteString("\n")
	for _, n := range focus.Thoughts {
		ctxb.WriteString(n.Description + ". ")
	}
	describe := func(name string, s *persona.Scratch) string {
		act := actionPhrase(s.ActDescription)
		if len(s.PlannedPath) == 0 {
			return name + " is already " + act
		}
		return name + " is on the way to " + act
	}
	args := llm.Args{
		"context":       ctxb.String(),
		"time":          t.Now.Format(constants.TimeLayout),
		"name":          a.Name,
		"target":        b.Name,
		"init_desc":     describe(a.Name, a),
		"target_desc":   describe(b.Name, b),
		"init_action":   actionPhrase(a.ActDescription),
		"target_action": actionPhrase(b.ActDescription),
	}
	if last, ok := t.Persona.Memory.LastChat(b.Name); ok {
		args["last_chat_time"] = last.Created.Format(constants.TimeLayout)
		args["last_chat_about"] = last.Description
	}
	return args
}

// letsTalk decides whether the persona starts a conversation with target.
func letsTalk(ctx context.Context, t *Tick, target *persona.Persona, focus *Retrieved) (bool, error) {
	if busy(t, target) || t.Persona.Scratch.ChattingWithBuffer[target.Name] > 0 {
		return false, nil
	}
	ans, err := decideToTalkFn.Call(ctx, t.Env.Invoker, reactionArgs(t, target, focus))
	return err == nil && ans.Yes(), err
}

// letsWait decides whether the persona waits for target to free the place
// they both want to use.
func letsWait(ctx context.Context, t *Tick, target *persona.Persona, focus *Retrieved) (bool, error) {
	a, b := t.Persona.Scratch, target.Scratch
	if busy(t, target) || len(b.PlannedPath) > 0 || a.ActAddress != b.ActAddress {
		return false, nil
	}
	opt, err := decideToReactFn.Call(ctx, t.Env.Invoker, reactionArgs(t, target, focus))
	return err == nil && opt.Option == 1, err
}

// chatReact runs a conversation and makes it the current action of both
// participants.
func chatReact(ctx context.Context, t *Tick, target *persona.Persona) error {
	convo, err := converse(ctx, t.Env, t.Persona, target, t.Now)
	if err != nil {
		return err
	}
	text := transcript(convo)
	sum, err := summarizeConversationFn.Call(ctx, t.Env.Invoker, llm.Args{"conversation": text})
	if err != nil {
		return err
	}
	minutes := max(int(math.Ceil(float64(len(text)/8)/30)), 1)
	start := t.Now
	if start.Second() != 0 {
		start = start.Truncate(time.Minute).Add(time.Minute)
	}
	end := start.Add(time.Duration(minutes) * time.Minute)

	for _, pair := range [][2]*persona.Persona{{t.Persona, target}, {target, t.Persona}} {
		p, other := pair[0], pair[1]
		createReact(p, t.Now, sum.Summary, minutes, persona.Action{
			Address:      "<persona> " + other.Name,
			Pronunciatio: "💬",
			Event:        persona.Triple{p.Name, "chat with", other.Name},
			ChattingWith: other.Name,
			Chat:         convo,
			ChatBuffer:   map[string]int{other.Name: chatCooldown},
			ChatEnd:      end,
		})
	}
	t.log().Info("conversation", "with", target.Name, "lines", len(convo), "minutes", minutes)
	return nil
}

// waitReact makes the persona wait until target's action ends.
func waitReact(t *Tick, target *persona.Persona) {
	s := t.Persona.Scratch
	end := target.Scratch.ActionEnd().Add(-time.Minute)
	minutes := max(minuteOfDay(end)-minuteOfDay(t.Now)+1, 1)
	desc := actionPhrase(s.ActDescription)
	address := "<waiting>"
	if s.CurrTile != nil {
		address = fmt.Sprintf("<waiting> %d %d", s.CurrTile.X(), s.CurrTile.Y())
	}
	createReact(t.Persona, t.Now, "waiting to start "+desc, minutes, persona.Action{
		Address:      address,
		Pronunciatio: "⌛",
		Event:        persona.Triple{s.Name, "waiting to start", desc},
	})
}

// createReact splices an inserted activity into p's schedule at now and
// starts it at now. The insertion may not run past the end of the current
// hourly block, or the block after it when the current one is short.
func createReact(p *persona.Persona, now time.Time, activity string, minutes int, a persona.Action) {
	s := p.Scratch
	org := s.DailyScheduleHourlyOrg
	windowEnd := 0
	if i := s.HourlyOrgIndex(0); i < len(org) {
		start := persona.ScheduleStart(org, i)
		switch {
		case org[i].Minutes >= 120:
			windowEnd = start + org[i].Minutes
		case i+1 < len(org):
			windowEnd = start + org[i].Minutes + org[i+1].Minutes
		default:
			windowEnd = start + 120
		}
	}
	if len(s.DailySchedule) > 0 {
		s.DailySchedule = SpliceSchedule(s.DailySchedule, minuteOfDay(now), windowEnd, persona.ScheduleItem{Task: activity, Minutes: minutes})
	}
	a.Description = activity
	a.Duration = minutes
	s.StartAction(a)
	s.ActStartTime = persona.At(now)
}
