package cognition

import (
	"strings"

	"github.com/nvandessel/reverie/internal/persona"
)

const minutesPerDay = 24 * 60

// Decompose turns LLM subtasks into schedule items that sum to exactly
// duration. Subtasks are kept while their running sum fits; the last kept
// one absorbs the remainder. With nothing usable the task stays whole.
// Items are labelled "task (subtask)".
func Decompose(task string, duration int, subtasks []persona.ScheduleItem) []persona.ScheduleItem {
	if duration <= 0 {
		return []persona.ScheduleItem{{Task: task, Minutes: max(duration, 0)}}
	}
	var out []persona.ScheduleItem
	sum := 0
	for _, st := range subtasks {
		if st.Minutes <= 0 || strings.TrimSpace(st.Task) == "" {
			continue
		}
		if sum+st.Minutes > duration {
			break
		}
		sum += st.Minutes
		out = append(out, persona.ScheduleItem{Task: task + " (" + strings.TrimSuffix(strings.TrimSpace(st.Task), ".") + ")", Minutes: st.Minutes})
	}
	if len(out) == 0 {
		return []persona.ScheduleItem{{Task: task, Minutes: duration}}
	}
	out[len(out)-1].Minutes += duration - sum
	return out
}

// SpliceSchedule inserts an activity into items at minute elapsed. The
// schedule before elapsed is kept, cutting the running item short; the
// inserted activity follows, trimmed so it ends by windowEnd and the end of
// the schedule; the original schedule resumes where the insertion ends. The
// total number of minutes is unchanged. A windowEnd of 0 means no window.
func SpliceSchedule(items []persona.ScheduleItem, elapsed, windowEnd int, inserted persona.ScheduleItem) []persona.ScheduleItem {
	total := 0
	for _, it := range items {
		total += it.Minutes
	}
	elapsed = min(max(elapsed, 0), total)
	end := total
	if windowEnd > 0 {
		end = min(max(windowEnd, elapsed), total)
	}
	inserted.Minutes = min(max(inserted.Minutes, 0), end-elapsed)

	out := cutBefore(items, elapsed)
	if inserted.Minutes > 0 {
		out = append(out, inserted)
	}
	return append(out, cutFrom(items, elapsed+inserted.Minutes)...)
}

// cutBefore returns the part of items that runs before minute m.
func cutBefore(items []persona.ScheduleItem, m int) []persona.ScheduleItem {
	var out []persona.ScheduleItem
	start := 0
	for _, it := range items {
		if start >= m {
			break
		}
		if start+it.Minutes > m {
			it.Minutes = m - start
		}
		if it.Minutes > 0 {
			out = append(out, it)
		}
		start += it.Minutes
	}
	return out
}

// cutFrom returns the part of items that runs from minute m on.
func cutFrom(items []persona.ScheduleItem, m int) []persona.ScheduleItem {
	var out []persona.ScheduleItem
	start := 0
	for _, it := range items {
		end := start + it.Minutes
		if end > m {
			if start < m {
				it.Minutes = end - m
			}
			if it.Minutes > 0 {
				out = append(out, it)
			}
		}
		start = end
	}
	return out
}

// CompressHourly merges consecutive identical hourly activities into
// (activity, minutes) items and pads the day with sleep.
func CompressHourly(hours []string) []persona.ScheduleItem {
	var out []persona.ScheduleItem
	total := 0
	for _, h := range hours {
		if n := len(out); n > 0 && out[n-1].Task == h {
			out[n-1].Minutes += 60
		} else {
			out = append(out, persona.ScheduleItem{Task: h, Minutes: 60})
		}
		total += 60
	}
	if total < minutesPerDay {
		out = append(out, persona.ScheduleItem{Task: "sleeping", Minutes: minutesPerDay - total})
	}
	return out
}

// needsDecomposition reports whether a schedule item is split into
// subtasks: not sleep, not already split, and an hour or longer.
func needsDecomposition(it persona.ScheduleItem) bool {
	if it.Minutes < 60 || strings.Contains(it.Task, "(") {
		return false
	}
	task := strings.ToLower(it.Task)
	return !strings.Contains(task, "sleep") && !strings.Contains(task, "bed")
}
