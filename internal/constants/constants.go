// Package constants provides named constants used throughout the reverie codebase.
// This centralizes magic numbers for better maintainability and documentation.
package constants

import "time"

// Time formats used in persisted snapshots and prompts.
const (
	// TimeLayout is the clock format stored in meta.json, e.g. "February 13, 2023, 14:00:00".
	TimeLayout = "January 02, 2006, 15:04:05"

	// DateLayout is the start_date format, e.g. "February 13, 2023".
	DateLayout = "January 02, 2006"

	// DayLayout identifies a calendar day for new-day detection and prompts.
	DayLayout = "Monday January 02"

	// ClockLayout renders times of day inside prompts, e.g. "07:30 AM".
	ClockLayout = "03:04 PM"
)

// Persona scratch defaults applied when bootstrapping a new persona.
const (
	DefaultVisionRadius       = 8
	DefaultAttentionBandwidth = 8
	DefaultRetention          = 8
	DefaultConceptForget      = 100
	DefaultInnate             = "kind, inquisitive, passionate"

	DefaultDailyReflectionTime = 180
	DefaultDailyReflectionSize = 5
	DefaultOverlapReflectTh    = 4

	// Keyword-strength totals above these trigger a reflection.
	DefaultKwStrgEventReflectTh   = 10
	DefaultKwStrgThoughtReflectTh = 9

	// DefaultImportanceTriggerMax is the importance budget that must be spent
	// by new memories before a reflection runs.
	DefaultImportanceTriggerMax = 150

	DefaultThoughtCount = 5
)

// Retrieval scoring defaults.
const (
	DefaultRecencyWeight    = 1.0
	DefaultRelevanceWeight  = 1.0
	DefaultImportanceWeight = 1.0
	DefaultRecencyDecay     = 0.99

	// Per-component gains applied on top of the persona weights.
	RecencyGain    = 0.5
	RelevanceGain  = 3.0
	ImportanceGain = 2.0

	// DefaultRetrieveCount is the number of nodes returned per focal point.
	DefaultRetrieveCount = 30
)

// Conversation and reflection limits.
const (
	MaxChatRounds             = 8
	RelationshipRetrieveCount = 50
	UtteranceRetrieveCount    = 15
	ChatLookbackLines         = 4
	InterviewRetrieveCount    = 50

	// ThoughtLifetime is how long whispered and reflected thoughts stay active.
	ThoughtLifetime = 30 * 24 * time.Hour

	// ReflectionFocalPoints is the number of focal points extracted per reflection.
	ReflectionFocalPoints = 3

	// InsightsPerFocalPoint is the number of insights generated per focal point.
	InsightsPerFocalPoint = 5
)

// Scheduler and pool defaults.
const (
	DefaultSecPerStep      = 600
	DefaultPlanningCycle   = 1
	DefaultServerSleep     = 100 * time.Millisecond
	DefaultMaxInstances    = 1000
	DefaultShutdownTimeout = 5 * time.Second
	DefaultQueueSize       = 256
)

// LLM invocation defaults.
const (
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultLLMTimeout  = 60 * time.Second
	DefaultTemperature = 1.0
	DefaultMaxTokens   = 512
	DefaultTopP        = 0.7
)

// BaseTemplates are the snapshot codes that may never be overwritten.
var BaseTemplates = []string{
	"base_the_villie_isabella_maria_klaus",
	"base_the_villie_isabella_maria_klaus_online",
	"base_the_villie_n25",
}
