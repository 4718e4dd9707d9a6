package cognition

import (
	"embed"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/nvandessel/reverie/internal/llm"
)

// prompts holds the markdown prompt templates of every decision.
//
//go:embed prompts/*.md
var prompts embed.FS

// promptFS is prompts rooted at the prompts directory.
var promptFS = func() fs.FS {
	sub, err := fs.Sub(prompts, "prompts")
	if err != nil {
		panic(err)
	}
	return sub
}()

func prompt(name string) llm.Prompt {
	return llm.MustLoadPrompt(promptFS, name+".md")
}

func ptr[T any](v T) *T { return &v }

// argString reads a string argument, "" when absent.
func argString(args llm.Args, key string) string {
	s, _ := args[key].(string)
	return s
}

// argStrings reads a []string argument.
func argStrings(args llm.Args, key string) []string {
	s, _ := args[key].([]string)
	return s
}

// oneOf accepts a reply whose field names one of the "options" argument.
func oneOf(field string) func(raw string, args llm.Args) bool {
	return func(raw string, args llm.Args) bool {
		v, err := llm.ParseLargestJSON(raw)
		if err != nil {
			return false
		}
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		s, ok := m[field].(string)
		return ok && slices.Contains(argStrings(args, "options"), strings.TrimSpace(s))
	}
}

type wakeUp struct {
	Time string `json:"time"`
}

// Hour parses the hour of an "HH:MM" reply, or 6 when it does not parse.
func (w wakeUp) Hour() int {
	h, _, _ := strings.Cut(strings.TrimSpace(w.Time), ":")
	n, err := strconv.Atoi(h)
	if err != nil || n < 0 || n > 23 {
		return 6
	}
	return n
}

var wakeUpHourFn = &llm.Function[wakeUp]{
	Name:          "wake_up_hour",
	Prompt:        prompt("wake_up_hour"),
	Example:       wakeUp{Time: "06:30"},
	FailsafeValue: ptr(wakeUp{Time: "06:00"}),
	Chat:          true,
}

type planList struct {
	Plan []string `json:"plan"`
}

var dailyPlanFn = &llm.Function[planList]{
	Name:   "daily_plan",
	Prompt: prompt("daily_plan"),
	Example: planList{Plan: []string{
		"wake up and complete the morning routine at 6:00 am",
		"eat breakfast at 7:00 am",
	}},
	FailsafeValue: ptr(planList{Plan: []string{
		"eat breakfast at 7:00 am",
		"read a book from 8:00 am to 12:00 pm",
		"have lunch at 12:00 pm",
		"take a nap from 1:00 pm to 4:00 pm",
		"relax and watch TV from 7:00 pm to 8:00 pm",
		"go to bed at 11:00 pm",
	}}),
	Chat: true,
}

var stagePlanFn = &llm.Function[planList]{
	Name:    "stage_plan",
	Prompt:  prompt("stage_plan"),
	Example: planList{Plan: []string{"finish the first draft of the thesis", "exercise three times"}},
	FailsafeValue: ptr(planList{Plan: []string{
		"exercise for two hours on the first day",
		"complete graduation thesis during the period",
	}}),
	Chat: true,
}

type activity struct {
	Activity string `json:"activity"`
}

// The caller passes the non-LLM answer for the hour as "fallback".
var hourlyScheduleFn = &llm.Function[activity]{
	Name:    "hourly_schedule",
	Prompt:  prompt("hourly_schedule"),
	Example: activity{Activity: "doing something"},
	Failsafe: func(args llm.Args) activity {
		if fb := argString(args, "fallback"); fb != "" {
			return activity{Activity: fb}
		}
		return activity{Activity: "asleep"}
	},
	Chat: true,
}

type subtask struct {
	Subtask   string `json:"subtask"`
	Duration  int    `json:"duration"`
	Remaining int    `json:"remaining"`
}

var taskDecompFn = &llm.Function[[]subtask]{
	Name:   "task_decomp",
	Prompt: prompt("task_decomp"),
	Example: []subtask{
		{Subtask: "reviewing the kindergarten curriculum standards", Duration: 15, Remaining: 165},
		{Subtask: "brainstorming ideas for the lesson", Duration: 30, Remaining: 135},
	},
	FailsafeValue: ptr([]subtask(nil)),
	Chat:          true,
}

type place struct {
	Place string `json:"place"`
}

type object struct {
	Object string `json:"object"`
}

// The location decisions only accept one of the "options" argument. Their
// failsafe is the empty answer; the caller substitutes a default.
var actionSectorFn = &llm.Function[place]{
	Name:          "action_sector",
	Prompt:        prompt("action_sector"),
	Example:       place{Place: "some place"},
	Validate:      oneOf("place"),
	FailsafeValue: ptr(place{}),
	Chat:          true,
}

var actionArenaFn = &llm.Function[place]{
	Name:          "action_arena",
	Prompt:        prompt("action_arena"),
	Example:       place{Place: "kitchen"},
	Validate:      oneOf("place"),
	FailsafeValue: ptr(place{}),
	Chat:          true,
}

var actionObjectFn = &llm.Function[object]{
	Name:          "action_object",
	Prompt:        prompt("action_object"),
	Example:       object{Object: "the most relevant object"},
	Validate:      oneOf("object"),
	FailsafeValue: ptr(object{}),
	Chat:          true,
}

type emoji struct {
	Emoji string `json:"emoji"`
}

var pronunciatioFn = &llm.Function[emoji]{
	Name:          "pronunciatio",
	Prompt:        prompt("pronunciatio"),
	Example:       emoji{Emoji: "🛁🧖‍♀️"},
	FailsafeValue: ptr(emoji{Emoji: "🙂"}),
	Chat:          true,
}

type triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// tripleFailsafe is (name, "is", action).
func tripleFailsafe(args llm.Args) triple {
	return triple{Subject: argString(args, "name"), Predicate: "is", Object: argString(args, "action")}
}

var eventTripleFn = &llm.Function[triple]{
	Name:     "event_triple",
	Prompt:   prompt("event_triple"),
	Example:  triple{Subject: "Joon Park", Predicate: "brew", Object: "coffee"},
	Failsafe: tripleFailsafe,
	Chat:     true,
}

var eventTripleNewFn = &llm.Function[triple]{
	Name:     "event_triple_new",
	Prompt:   prompt("event_triple_new"),
	Example:  triple{Subject: "Joon Park", Predicate: "brew", Object: "coffee"},
	Failsafe: tripleFailsafe,
	Chat:     true,
}

type objState struct {
	State string `json:"state"`
}

var objEventFn = &llm.Function[objState]{
	Name:    "obj_event",
	Prompt:  prompt("obj_event"),
	Example: objState{State: "being heated to cook breakfast"},
	Failsafe: func(args llm.Args) objState {
		return objState{State: "being used"}
	},
	Chat: true,
}

type answer struct {
	Reasoning string `json:"reasoning,omitempty"`
	Answer    string `json:"answer"`
}

// Yes reports whether the answer starts with "yes".
func (a answer) Yes() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Answer)), "yes")
}

var decideToTalkFn = &llm.Function[answer]{
	Name:          "decide_to_talk",
	Prompt:        prompt("decide_to_talk"),
	Example:       answer{Answer: "yes"},
	FailsafeValue: ptr(answer{Answer: "yes"}),
	Chat:          true,
}

type option struct {
	Option int `json:"option"`
}

var decideToReactFn = &llm.Function[option]{
	Name:          "decide_to_react",
	Prompt:        prompt("decide_to_react"),
	Example:       option{Option: 2},
	FailsafeValue: ptr(option{Option: 2}),
	Chat:          true,
}

type summary struct {
	Summary string `json:"summary"`
}

var summarizeRelationshipFn = &llm.Function[summary]{
	Name:          "summarize_relationship",
	Prompt:        prompt("summarize_relationship"),
	Example:       summary{Summary: "Jane Doe is working on a project"},
	FailsafeValue: ptr(summary{}),
	Chat:          true,
}

type utterance struct {
	Utterance string `json:"utterance"`
	End       bool   `json:"end"`
}

var chatUtteranceFn = &llm.Function[utterance]{
	Name:          "chat_utterance",
	Prompt:        prompt("chat_utterance"),
	Example:       utterance{Utterance: "Hi! How is the party planning going?", End: false},
	FailsafeValue: ptr(utterance{Utterance: "...", End: false}),
	Chat:          true,
}

var summarizeConversationFn = &llm.Function[summary]{
	Name:          "summarize_conversation",
	Prompt:        prompt("summarize_conversation"),
	Example:       summary{Summary: "conversing about what to eat for lunch"},
	FailsafeValue: ptr(summary{Summary: "conversing"}),
	Chat:          true,
}

type rating struct {
	Rating int `json:"rating"`
}

var poignancyFn = &llm.Function[rating]{
	Name:          "poignancy",
	Prompt:        prompt("poignancy"),
	Example:       rating{Rating: 5},
	FailsafeValue: ptr(rating{Rating: 4}),
	Chat:          true,
}

// The caller passes the number of questions as "count".
var focalPointsFn = &llm.Function[[]string]{
	Name:    "focal_points",
	Prompt:  prompt("focal_points"),
	Example: []string{"What is Klaus researching?", "Who does Klaus spend time with?"},
	Failsafe: func(args llm.Args) []string {
		n, _ := args["count"].(int)
		return slices.Repeat([]string{"Who am I"}, max(n, 1))
	},
	Chat: true,
}

type insight struct {
	Insight  string `json:"insight"`
	Evidence []int  `json:"evidence"`
}

var insightsFn = &llm.Function[[]insight]{
	Name:   "insights",
	Prompt: prompt("insights"),
	Example: []insight{
		{Insight: "<the first insight>", Evidence: []int{1, 5, 3}},
		{Insight: "<the second insight>", Evidence: []int{2, 3}},
	},
	FailsafeValue: ptr([]insight(nil)),
	Chat:          true,
}

type thought struct {
	Thought string `json:"thought"`
}

var planningThoughtFn = &llm.Function[thought]{
	Name:          "planning_thought",
	Prompt:        prompt("planning_thought"),
	Example:       thought{Thought: "I should bring snacks to the party on Friday."},
	FailsafeValue: ptr(thought{}),
	Chat:          true,
}

var memoFn = &llm.Function[thought]{
	Name:          "memo",
	Prompt:        prompt("memo"),
	Example:       thought{Thought: "Jane Doe was interesting to talk to."},
	FailsafeValue: ptr(thought{}),
	Chat:          true,
}

var summarizeIdeasFn = &llm.Function[summary]{
	Name:          "summarize_ideas",
	Prompt:        prompt("summarize_ideas"),
	Example:       summary{Summary: "Jane Doe is working on a project"},
	FailsafeValue: ptr(summary{}),
	Chat:          true,
}

type line struct {
	Line string `json:"line"`
}

var nextLineFn = &llm.Function[line]{
	Name:          "next_line",
	Prompt:        prompt("next_line"),
	Example:       line{Line: "Hello, nice to meet you."},
	FailsafeValue: ptr(line{Line: "..."}),
	Chat:          true,
}

// The whisper itself is the failsafe thought.
var whisperThoughtFn = &llm.Function[thought]{
	Name:    "whisper_thought",
	Prompt:  prompt("whisper_thought"),
	Example: thought{Thought: "I am going to the party on Friday."},
	Failsafe: func(args llm.Args) thought {
		return thought{Thought: argString(args, "whisper")}
	},
	Chat: true,
}

var decideToCommentFn = &llm.Function[answer]{
	Name:          "decide_to_comment",
	Prompt:        prompt("decide_to_comment"),
	Example:       answer{Reasoning: "Let's think step by step. <the reasoning of the answer>", Answer: "yes or no"},
	FailsafeValue: ptr(answer{Answer: "no"}),
	Chat:          true,
	Stop:          []string{"---"},
}

type comment struct {
	Comment string `json:"comment"`
}

func commentFn(name string) *llm.Function[comment] {
	return &llm.Function[comment]{
		Name:          name,
		Prompt:        prompt("iterative_comment"),
		Example:       comment{Comment: "<comments on news>"},
		FailsafeValue: ptr(comment{}),
		Chat:          true,
		Stop:          []string{"---"},
	}
}

// One comment decision per combination of event context, so usage stats
// separate them.
var (
	commentFnPlain     = commentFn("iterative_comment")
	commentFnPolicy    = commentFn("iterative_comment_with_policy")
	commentFnWebsearch = commentFn("iterative_comment_with_websearch")
	commentFnBoth      = commentFn("iterative_comment_with_policy_and_websearch")
)

func commentFnFor(policy, websearch string) *llm.Function[comment] {
	switch {
	case policy != "" && websearch != "":
		return commentFnBoth
	case policy != "":
		return commentFnPolicy
	case websearch != "":
		return commentFnWebsearch
	default:
		return commentFnPlain
	}
}
