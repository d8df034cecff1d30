// Package domain holds the data model shared by the dispatch pipeline.
package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageMeta is the small typed metadata bag attached to a stored message.
type MessageMeta struct {
	Intent     string             `json:"intent,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	AgentUsed  bool               `json:"agent_used,omitempty"`
	AgentSteps int                `json:"agent_steps,omitempty"`
	ToolCalls  []string           `json:"tool_calls,omitempty"`
	Skipped    []SkippedCandidate `json:"skipped,omitempty"`
}

// SkippedCandidate records a fallback-chain candidate that was attempted and
// passed over, together with the reason.
type SkippedCandidate struct {
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Meta      MessageMeta
	CreatedAt time.Time
}

type DeviceKind string

const (
	DeviceSatellite DeviceKind = "satellite"
	DevicePanel     DeviceKind = "panel"
	DeviceMobile    DeviceKind = "mobile"
	DeviceDesktop   DeviceKind = "desktop"
)

// Capabilities declares what a device can do; negotiated at registration.
type Capabilities struct {
	Microphone    bool `json:"microphone" msgpack:"microphone"`
	Speaker       bool `json:"speaker" msgpack:"speaker"`
	WakeWord      bool `json:"wake_word" msgpack:"wake_word"`
	DisplayWidth  int  `json:"display_width,omitempty" msgpack:"display_width,omitempty"`
	DisplayHeight int  `json:"display_height,omitempty" msgpack:"display_height,omitempty"`
}

// Device is the persistent logical device record.
type Device struct {
	ID           string
	Kind         DeviceKind
	Capabilities Capabilities
	NetworkAddr  string
	RoomID       string
	Stationary   bool
	LastSeenAt   time.Time
}

type Room struct {
	ID       string
	Name     string
	Bindings []SinkBinding
}

type SinkKind string

const (
	SinkDevice      SinkKind = "device"
	SinkMediaPlayer SinkKind = "media_player"
)

// SinkRef is a tagged union: an internal device or an external media-player
// entity.
type SinkRef struct {
	Kind     SinkKind
	DeviceID string
	EntityID string
}

// SinkBinding is one priority-ordered audio output option for a room.
type SinkBinding struct {
	RoomID         string
	Priority       int
	Sink           SinkRef
	AllowInterrupt bool
	Volume         float64
}

// Locally-handled intent labels; everything else must be <server>.<tool>.
const (
	LabelKnowledgeAsk = "knowledge.ask"
	LabelConversation = "general.conversation"
)

// IntentCandidate is one classifier hypothesis.
type IntentCandidate struct {
	Label      string
	Params     map[string]any
	Confidence float64
}

// ToolCall splits a <server>.<tool> label. ok is false for local categories.
func (c IntentCandidate) ToolCall() (server, tool string, ok bool) {
	if c.IsLocal() {
		return "", "", false
	}
	i := strings.IndexByte(c.Label, '.')
	if i <= 0 || i == len(c.Label)-1 {
		return "", "", false
	}
	return c.Label[:i], c.Label[i+1:], true
}

func (c IntentCandidate) IsLocal() bool {
	return c.Label == LabelKnowledgeAsk || c.Label == LabelConversation
}

// ToolDescriptor is the metadata needed to list a tool in a prompt and to
// call it.
type ToolDescriptor struct {
	Name        string // <server>.<tool>
	Description string
	Schema      map[string]any
	InPrompt    bool
	Server      string
}

type FeedbackScope string

const (
	ScopeIntentClassification FeedbackScope = "intent-classification"
	ScopeAgentToolChoice      FeedbackScope = "agent-tool-choice"
	ScopeComplexityRouting    FeedbackScope = "complexity-routing"
)

// Correction is one stored semantic correction used as a few-shot hint.
type Correction struct {
	ID         string
	Scope      FeedbackScope
	Query      string
	Embedding  []float32
	WrongLabel string
	RightLabel string
	Similarity float64 // populated on retrieval
	CreatedAt  time.Time
}

// PermissionFunc is the opaque permission predicate supplied at registration.
// A nil predicate permits everything.
type PermissionFunc func(label string) bool

// SatelliteSessionID derives the daily session identifier used by satellite
// firmware. The format is a contract with the satellites; do not change it.
func SatelliteSessionID(deviceID string, day time.Time) string {
	return "satellite-" + deviceID + "-" + day.Format("2006-01-02")
}
