package models

import "time"

// SessionSource tags where a session originated. Group sessions never see
// long-term memory in their prompts; scheduled sessions are synthesized by
// the scheduler.
type SessionSource string

const (
	SourceInteractive SessionSource = "interactive"
	SourcePrivate     SessionSource = "private"
	SourceGroup       SessionSource = "group"
	SourceScheduled   SessionSource = "scheduled"
)

// ForcedProvider is a per-session routing override.
type ForcedProvider string

const (
	ForceNone  ForcedProvider = ""
	ForceLocal ForcedProvider = "local"
	ForceCloud ForcedProvider = "cloud"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is the transient state of one conversation. Message history lives
// in the session store; the struct carries counters and routing state.
//
// At most one pending tool call may be outstanding: while PendingToolCall is
// set, no assistant message may be appended until confirm/deny clears it.
type Session struct {
	ID             string         `json:"id"`
	Source         SessionSource  `json:"source,omitempty"`
	ForcedProvider ForcedProvider `json:"forced_provider,omitempty"`
	ActiveAgent    string         `json:"active_agent,omitempty"`
	EnabledSkills  []string       `json:"enabled_skills,omitempty"`

	PendingToolCall *ToolCall `json:"pending_tool_call,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	// TurnCount counts assistant messages only.
	TurnCount int `json:"turn_count"`

	Status    SessionStatus  `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SkillEnabled reports whether the named skill was explicitly enabled on
// this session.
func (s *Session) SkillEnabled(name string) bool {
	for _, sk := range s.EnabledSkills {
		if sk == name {
			return true
		}
	}
	return false
}

// TrackUsage adds a completion's token counts to the session totals.
func (s *Session) TrackUsage(inputTokens, outputTokens int) {
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
}
