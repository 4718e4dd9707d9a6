package cognition

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/reverie/internal/persona"
)

func total(items []persona.ScheduleItem) int {
	sum := 0
	for _, it := range items {
		sum += it.Minutes
	}
	return sum
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		subtasks []persona.ScheduleItem
		want     []persona.ScheduleItem
	}{
		{
			name:     "exact fit",
			duration: 60,
			subtasks: []persona.ScheduleItem{{Task: "boil water", Minutes: 20}, {Task: "brew coffee", Minutes: 40}},
			want:     []persona.ScheduleItem{{Task: "make coffee (boil water)", Minutes: 20}, {Task: "make coffee (brew coffee)", Minutes: 40}},
		},
		{
			name:     "short subtasks absorb the remainder",
			duration: 60,
			subtasks: []persona.ScheduleItem{{Task: "boil water", Minutes: 10}, {Task: "brew coffee", Minutes: 15}},
			want:     []persona.ScheduleItem{{Task: "make coffee (boil water)", Minutes: 10}, {Task: "make coffee (brew coffee)", Minutes: 50}},
		},
		{
			name:     "overflow is dropped",
			duration: 60,
			subtasks: []persona.ScheduleItem{{Task: "boil water", Minutes: 45}, {Task: "brew coffee", Minutes: 30}},
			want:     []persona.ScheduleItem{{Task: "make coffee (boil water)", Minutes: 60}},
		},
		{
			name:     "no subtasks",
			duration: 60,
			want:     []persona.ScheduleItem{{Task: "make coffee", Minutes: 60}},
		},
		{
			name:     "unusable subtasks",
			duration: 60,
			subtasks: []persona.ScheduleItem{{Task: "", Minutes: 20}, {Task: "stir", Minutes: 0}, {Task: "pour", Minutes: -5}},
			want:     []persona.ScheduleItem{{Task: "make coffee", Minutes: 60}},
		},
		{
			name:     "zero duration",
			duration: 0,
			subtasks: []persona.ScheduleItem{{Task: "boil water", Minutes: 20}},
			want:     []persona.ScheduleItem{{Task: "make coffee", Minutes: 0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decompose("make coffee", tt.duration, tt.subtasks)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decompose() mismatch (-want +got):\n%s", diff)
			}
			if total(got) != max(tt.duration, 0) {
				t.Errorf("Decompose() total = %d, want %d", total(got), tt.duration)
			}
		})
	}
}

func TestSpliceSchedule(t *testing.T) {
	day := []persona.ScheduleItem{{Task: "sleeping", Minutes: 360}, {Task: "working", Minutes: 480}, {Task: "relaxing", Minutes: 600}}
	tests := []struct {
		name      string
		elapsed   int
		windowEnd int
		inserted  persona.ScheduleItem
		want      []persona.ScheduleItem
	}{
		{
			name:     "inside an item",
			elapsed:  400,
			inserted: persona.ScheduleItem{Task: "chatting", Minutes: 20},
			want:     []persona.ScheduleItem{{Task: "sleeping", Minutes: 360}, {Task: "working", Minutes: 40}, {Task: "chatting", Minutes: 20}, {Task: "working", Minutes: 420}, {Task: "relaxing", Minutes: 600}},
		},
		{
			name:     "at an item boundary",
			elapsed:  360,
			inserted: persona.ScheduleItem{Task: "chatting", Minutes: 30},
			want:     []persona.ScheduleItem{{Task: "sleeping", Minutes: 360}, {Task: "chatting", Minutes: 30}, {Task: "working", Minutes: 450}, {Task: "relaxing", Minutes: 600}},
		},
		{
			name:      "trimmed to the window",
			elapsed:   820,
			windowEnd: 840,
			inserted:  persona.ScheduleItem{Task: "chatting", Minutes: 60},
			want:      []persona.ScheduleItem{{Task: "sleeping", Minutes: 360}, {Task: "working", Minutes: 460}, {Task: "chatting", Minutes: 20}, {Task: "relaxing", Minutes: 600}},
		},
		{
			name:     "trimmed to the end of the day",
			elapsed:  1430,
			inserted: persona.ScheduleItem{Task: "chatting", Minutes: 60},
			want:     []persona.ScheduleItem{{Task: "sleeping", Minutes: 360}, {Task: "working", Minutes: 480}, {Task: "relaxing", Minutes: 590}, {Task: "chatting", Minutes: 10}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SpliceSchedule(day, tt.elapsed, tt.windowEnd, tt.inserted)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SpliceSchedule() mismatch (-want +got):\n%s", diff)
			}
			if total(got) != total(day) {
				t.Errorf("SpliceSchedule() total = %d, want %d", total(got), total(day))
			}
		})
	}
}

func TestCompressHourly(t *testing.T) {
	hours := []string{"sleeping", "sleeping", "working", "working", "working", "eating"}
	got := CompressHourly(hours)
	want := []persona.ScheduleItem{{Task: "sleeping", Minutes: 120}, {Task: "working", Minutes: 180}, {Task: "eating", Minutes: 60}, {Task: "sleeping", Minutes: 1080}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CompressHourly() mismatch (-want +got):\n%s", diff)
	}
}

func TestNeedsDecomposition(t *testing.T) {
	tests := []struct {
		item persona.ScheduleItem
		want bool
	}{
		{persona.ScheduleItem{Task: "working on her painting", Minutes: 180}, true},
		{persona.ScheduleItem{Task: "working on her painting", Minutes: 30}, false},
		{persona.ScheduleItem{Task: "sleeping", Minutes: 360}, false},
		{persona.ScheduleItem{Task: "going to bed", Minutes: 60}, false},
		{persona.ScheduleItem{Task: "working (sketching)", Minutes: 60}, false},
	}
	for _, tt := range tests {
		if got := needsDecomposition(tt.item); got != tt.want {
			t.Errorf("needsDecomposition(%v) = %v, want %v", tt.item, got, tt.want)
		}
	}
}

func TestSplitTask(t *testing.T) {
	task, sub := splitTask("making coffee (boil water)")
	if task != "making coffee" || sub != "boil water" {
		t.Errorf("splitTask() = %q, %q", task, sub)
	}
	task, sub = splitTask("reading")
	if task != "reading" || sub != "reading" {
		t.Errorf("splitTask() = %q, %q", task, sub)
	}
}
