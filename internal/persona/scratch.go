package persona

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/ranking"
	"github.com/nvandessel/reverie/internal/world"
)

// Timestamp is an optional instant encoded in the snapshot clock layout,
// e.g. "February 13, 2023, 14:00:00". The zero value encodes as null.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{t} }

// Set reports whether the timestamp holds a time.
func (ts Timestamp) Set() bool { return !ts.IsZero() }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Format(constants.TimeLayout))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(constants.TimeLayout, s)
	if err != nil {
		// Older snapshots store RFC 3339.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			t = t2
		} else {
			return fmt.Errorf("parsing time %q: %w", s, err)
		}
	}
	ts.Time = t
	return nil
}

// ScheduleItem is one (activity, minutes) entry of a day schedule. It
// encodes as a two-element JSON array.
type ScheduleItem struct {
	Task    string
	Minutes int
}

func (it ScheduleItem) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{it.Task, it.Minutes})
}

func (it *ScheduleItem) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("schedule item: want [task, minutes], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &it.Task); err != nil {
		return fmt.Errorf("schedule item task: %w", err)
	}
	var minutes float64
	if err := json.Unmarshal(raw[1], &minutes); err != nil {
		return fmt.Errorf("schedule item minutes: %w", err)
	}
	it.Minutes = int(minutes)
	return nil
}

// Triple is a subject-predicate-object event. It encodes as a JSON array
// whose null elements decode as "".
type Triple [3]string

// Scratch is a persona's working memory. Field names follow the scratch.json
// layout so existing snapshots load unchanged.
type Scratch struct {
	VisionR      int         `json:"vision_r"`
	AttBandwidth int         `json:"att_bandwidth"`
	Retention    int         `json:"retention"`
	CurrTime     Timestamp   `json:"curr_time"`
	CurrTile     *world.Tile `json:"curr_tile"`
	DailyPlanReq string      `json:"daily_plan_req"`

	Name         string `json:"name"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Age          int    `json:"age"`
	Innate       string `json:"innate"`
	Learned      string `json:"learned"`
	Currently    string `json:"currently"`
	Lifestyle    string `json:"lifestyle"`
	LivingArea   string `json:"living_area"`
	Bibliography string `json:"bibliography,omitempty"`

	ConceptForget        int `json:"concept_forget"`
	DailyReflectionTime  int `json:"daily_reflection_time"`
	DailyReflectionSize  int `json:"daily_reflection_size"`
	OverlapReflectTh     int `json:"overlap_reflect_th"`
	KwStrgEventReflectTh int `json:"kw_strg_event_reflect_th"`
	KwStrgThoughtReflTh  int `json:"kw_strg_thought_reflect_th"`

	RecencyW     float64 `json:"recency_w"`
	RelevanceW   float64 `json:"relevance_w"`
	ImportanceW  float64 `json:"importance_w"`
	RecencyDecay float64 `json:"recency_decay"`

	ImportanceTriggerMax  float64 `json:"importance_trigger_max"`
	ImportanceTriggerCurr float64 `json:"importance_trigger_curr"`
	ImportanceEleN        int     `json:"importance_ele_n"`
	ThoughtCount          int     `json:"thought_count"`

	DailyReq               []string       `json:"daily_req"`
	StagePlan              []string       `json:"stage_plan,omitempty"`
	DailySchedule          []ScheduleItem `json:"f_daily_schedule"`
	DailyScheduleHourlyOrg []ScheduleItem `json:"f_daily_schedule_hourly_org"`

	ActAddress         string             `json:"act_address"`
	ActStartTime       Timestamp          `json:"act_start_time"`
	ActDuration        int                `json:"act_duration"`
	ActDescription     string             `json:"act_description"`
	ActPronunciatio    string             `json:"act_pronunciatio"`
	ActEvent           Triple             `json:"act_event"`
	ActObjDescription  string             `json:"act_obj_description"`
	ActObjPronunciatio string             `json:"act_obj_pronunciatio"`
	ActObjEvent        Triple             `json:"act_obj_event"`
	ChattingWith       string             `json:"chatting_with"`
	Chat               []memory.Utterance `json:"chat"`
	ChattingWithBuffer map[string]int     `json:"chatting_with_buffer"`
	ChattingEndTime    Timestamp          `json:"chatting_end_time"`
	ActPathSet         bool               `json:"act_path_set"`
	PlannedPath        []world.Tile       `json:"planned_path"`
}

// DefaultScratch returns the bootstrap working memory for a new persona.
func DefaultScratch(name string) *Scratch {
	return &Scratch{
		VisionR:                constants.DefaultVisionRadius,
		AttBandwidth:           constants.DefaultAttentionBandwidth,
		Retention:              constants.DefaultRetention,
		Name:                   name,
		Innate:                 constants.DefaultInnate,
		ConceptForget:          constants.DefaultConceptForget,
		DailyReflectionTime:    constants.DefaultDailyReflectionTime,
		DailyReflectionSize:    constants.DefaultDailyReflectionSize,
		OverlapReflectTh:       constants.DefaultOverlapReflectTh,
		KwStrgEventReflectTh:   constants.DefaultKwStrgEventReflectTh,
		KwStrgThoughtReflTh:    constants.DefaultKwStrgThoughtReflectTh,
		RecencyW:               constants.DefaultRecencyWeight,
		RelevanceW:             constants.DefaultRelevanceWeight,
		ImportanceW:            constants.DefaultImportanceWeight,
		RecencyDecay:           constants.DefaultRecencyDecay,
		ImportanceTriggerMax:   constants.DefaultImportanceTriggerMax,
		ImportanceTriggerCurr:  constants.DefaultImportanceTriggerMax,
		ThoughtCount:           constants.DefaultThoughtCount,
		DailyReq:               []string{},
		DailySchedule:          []ScheduleItem{},
		DailyScheduleHourlyOrg: []ScheduleItem{},
		ActObjEvent:            Triple{name, "", ""},
		ChattingWithBuffer:     map[string]int{},
		PlannedPath:            []world.Tile{},
	}
}

// normalize fills fields that old snapshots may leave empty.
func (s *Scratch) normalize() {
	if s.ChattingWithBuffer == nil {
		s.ChattingWithBuffer = map[string]int{}
	}
	if s.RecencyDecay == 0 {
		s.RecencyDecay = constants.DefaultRecencyDecay
	}
	if s.ImportanceTriggerMax == 0 {
		s.ImportanceTriggerMax = constants.DefaultImportanceTriggerMax
	}
}

// IdentitySet is the persona's identity stable set, the paragraph every
// prompt opens with.
func (s *Scratch) IdentitySet() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", s.Name)
	fmt.Fprintf(&b, "Age: %d\n", s.Age)
	fmt.Fprintf(&b, "Innate traits: %s\n", s.Innate)
	fmt.Fprintf(&b, "Learned traits: %s\n", s.Learned)
	fmt.Fprintf(&b, "Currently: %s\n", s.Currently)
	fmt.Fprintf(&b, "Lifestyle: %s\n", s.Lifestyle)
	fmt.Fprintf(&b, "Daily plan requirement: %s\n", s.DailyPlanReq)
	if s.Bibliography != "" {
		fmt.Fprintf(&b, "Background: %s\n", s.Bibliography)
	}
	fmt.Fprintf(&b, "Current Date: %s\n", s.DateString())
	return b.String()
}

// DateString renders the current day, e.g. "Monday February 13".
func (s *Scratch) DateString() string {
	return s.CurrTime.Format(constants.DayLayout)
}

// FirstNameOrName returns the first name, falling back to the full name.
func (s *Scratch) FirstNameOrName() string {
	if s.FirstName != "" {
		return s.FirstName
	}
	return s.Name
}

// RetrieveOptions returns the persona's retrieval tuning with the fixed
// per-component gains applied.
func (s *Scratch) RetrieveOptions(count int) memory.RetrieveOptions {
	w := ranking.Weights{Recency: s.RecencyW, Relevance: s.RelevanceW, Importance: s.ImportanceW}
	return memory.RetrieveOptions{
		Count:   count,
		Decay:   s.RecencyDecay,
		Weights: w.Scale(retrievalGains),
	}
}

var retrievalGains = ranking.Weights{
	Recency:    constants.RecencyGain,
	Relevance:  constants.RelevanceGain,
	Importance: constants.ImportanceGain,
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func scheduleIndex(items []ScheduleItem, elapsed int) int {
	sum := 0
	for i, it := range items {
		sum += it.Minutes
		if sum > elapsed {
			return i
		}
	}
	return len(items)
}

// ScheduleIndex returns the index of the decomposed schedule item running
// advance minutes after the current time. It returns len(DailySchedule)
// past the end of the schedule.
func (s *Scratch) ScheduleIndex(advance int) int {
	return scheduleIndex(s.DailySchedule, minuteOfDay(s.CurrTime.Time)+advance)
}

// HourlyOrgIndex is ScheduleIndex over the original hourly schedule.
func (s *Scratch) HourlyOrgIndex(advance int) int {
	return scheduleIndex(s.DailyScheduleHourlyOrg, minuteOfDay(s.CurrTime.Time)+advance)
}

// ScheduleStart returns the minute of day at which item i of items starts.
func ScheduleStart(items []ScheduleItem, i int) int {
	sum := 0
	for _, it := range items[:min(i, len(items))] {
		sum += it.Minutes
	}
	return sum
}

// Action describes a new current action.
type Action struct {
	Address         string
	Duration        int
	Description     string
	Pronunciatio    string
	Event           Triple
	ChattingWith    string
	Chat            []memory.Utterance
	ChatBuffer      map[string]int
	ChatEnd         time.Time
	ObjDescription  string
	ObjPronunciatio string
	ObjEvent        Triple
}

// StartAction replaces the current action. The action starts at the
// current time and its path must be planned again.
func (s *Scratch) StartAction(a Action) {
	s.ActAddress = a.Address
	s.ActDuration = a.Duration
	s.ActDescription = a.Description
	s.ActPronunciatio = a.Pronunciatio
	s.ActEvent = a.Event
	s.ChattingWith = a.ChattingWith
	s.Chat = a.Chat
	for name, n := range a.ChatBuffer {
		s.ChattingWithBuffer[name] = n
	}
	s.ChattingEndTime = At(a.ChatEnd)
	s.ActObjDescription = a.ObjDescription
	s.ActObjPronunciatio = a.ObjPronunciatio
	s.ActObjEvent = a.ObjEvent
	s.ActStartTime = s.CurrTime
	s.ActPathSet = false
}

// ActionEnd returns when the current action ends.
func (s *Scratch) ActionEnd() time.Time {
	if s.ChattingWith != "" && s.ChattingEndTime.Set() {
		return s.ChattingEndTime.Time
	}
	start := s.ActStartTime.Time
	if start.Second() != 0 {
		start = start.Truncate(time.Minute).Add(time.Minute)
	}
	return start.Add(time.Duration(s.ActDuration) * time.Minute)
}

// ActionFinished reports whether the current action is over, or there is
// none.
func (s *Scratch) ActionFinished() bool {
	if s.ActAddress == "" || !s.ActStartTime.Set() {
		return true
	}
	return !s.CurrTime.Before(s.ActionEnd())
}

// CurrentEvent is the tile event describing the current action.
func (s *Scratch) CurrentEvent() world.TileEvent {
	if s.ActAddress == "" {
		return world.TileEvent{Subject: s.Name}
	}
	return world.TileEvent{
		Subject:     s.ActEvent[0],
		Predicate:   s.ActEvent[1],
		Object:      s.ActEvent[2],
		Description: s.ActDescription,
	}
}

// CurrentObjectEvent is the tile event of the object the action uses.
func (s *Scratch) CurrentObjectEvent() world.TileEvent {
	if s.ActAddress == "" {
		return world.TileEvent{}
	}
	return world.TileEvent{
		Subject:     s.ActAddress,
		Predicate:   s.ActObjEvent[1],
		Object:      s.ActObjEvent[2],
		Description: s.ActObjDescription,
	}
}

// ClearChat drops the chat state.
func (s *Scratch) ClearChat() {
	s.ChattingWith = ""
	s.Chat = nil
	s.ChattingEndTime = Timestamp{}
}

// DecrementChatBuffer counts down the cool-off of every chat partner except
// the current one.
func (s *Scratch) DecrementChatBuffer() {
	for name, n := range s.ChattingWithBuffer {
		if name != s.ChattingWith {
			s.ChattingWithBuffer[name] = n - 1
		}
	}
}

func writeSchedule(b *strings.Builder, items []ScheduleItem) {
	sum := 0
	for _, it := range items {
		h, m := sum/60, sum%60
		fmt.Fprintf(b, "%02d:%02d || %s\n", h, m, it.Task)
		sum += it.Minutes
	}
}

// ScheduleSummary renders the decomposed schedule, one start time per line.
func (s *Scratch) ScheduleSummary() string {
	var b strings.Builder
	writeSchedule(&b, s.DailySchedule)
	return b.String()
}

// HourlyOrgSummary renders the original hourly schedule.
func (s *Scratch) HourlyOrgSummary() string {
	var b strings.Builder
	writeSchedule(&b, s.DailyScheduleHourlyOrg)
	return b.String()
}
