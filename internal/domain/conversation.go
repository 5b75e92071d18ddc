package domain

import (
	"maps"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metadata keys read by the orchestration core. Other keys are stored but ignored.
const (
	MetaRole              = "role"
	MetaCompany           = "company"
	MetaPainPoints        = "pain_points"
	MetaValueAccepted     = "value_accepted"
	MetaConcernsAddressed = "concerns_addressed"
	MetaMeetingIntent     = "meeting_intent"
	MetaMeetingLocked     = "meeting_locked"
	MetaValuePresented    = "value_presented"
	MetaSessionLocked     = "session_locked"
	MetaGreetingLoopCount = "greeting_loop_count"
	MetaLastAnalysis      = "last_analysis"
	MetaDisplayName       = "display_name"
	MetaPersonaOverride   = "persona_override"
)

// Message is a single entry of a session's history.
type Message struct {
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Transition records a stage change.
type Transition struct {
	From Stage
	To   Stage
	At   time.Time
}

// Metadata maps known keys to scalar values (string, bool, int or float64).
type Metadata map[string]any

// Populated reports whether key holds a non-zero value.
func (m Metadata) Populated(key string) bool {
	switch v := m[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

// String returns the value of key when it is a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns the value of key when it is a bool.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Int returns the value of key as an int. JSON and DynamoDB round trips may
// turn ints into float64 or int64, so those are accepted too.
func (m Metadata) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Session is the per-conversation state owned by the session store.
type Session struct {
	ID           string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Messages     []Message
	Metadata     Metadata
	Stage        Stage
	TurnsInStage int
	// MessageCount counts every message ever appended, including ones not
	// loaded into Messages after hydration from persistence.
	MessageCount int
	Transitions  []Transition
	// Version is the persisted revision this state was loaded from.
	Version int64
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Transitions = append([]Transition(nil), s.Transitions...)
	out.Metadata = maps.Clone(s.Metadata)
	if out.Metadata == nil {
		out.Metadata = Metadata{}
	}
	return out
}

// LastMessage returns the most recent message with the given role.
func (s Session) LastMessage(role Role) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}
