// Package protocol defines the client-facing message vocabulary. Every frame
// is one structured message with "type" as discriminator; browsers speak JSON,
// devices speak msgpack.
package protocol

import "github.com/hearthlabs/hearth/internal/domain"

const (
	// Inbound
	TypeText             = "text"
	TypeRegister         = "register"
	TypeHeartbeat        = "heartbeat"
	TypeAudio            = "audio"
	TypeAudioEnd         = "audio_end"
	TypeWakewordDetected = "wakeword_detected"
	TypeStartSession     = "start_session"
	TypeCancel           = "cancel"

	// Outbound
	TypeAction          = "action"
	TypeStream          = "stream"
	TypeAgentThinking   = "agent_thinking"
	TypeAgentToolCall   = "agent_tool_call"
	TypeAgentToolResult = "agent_tool_result"
	TypeDone            = "done"
	TypeRegisterAck     = "register_ack"
	TypeState           = "state"
	TypeTranscription   = "transcription"
	TypeResponseText    = "response_text"
	TypeTTSAudio        = "tts_audio"
	TypeSessionEnd      = "session_end"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeConfigUpdate    = "config_update"
	TypeError           = "error"
)

type Text struct {
	Type            string `json:"type" msgpack:"type"`
	Content         string `json:"content" msgpack:"content"`
	SessionID       string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	UseRAG          bool   `json:"use_rag,omitempty" msgpack:"use_rag,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty" msgpack:"knowledge_base_id,omitempty"`
}

type Register struct {
	Type         string              `json:"type" msgpack:"type"`
	DeviceID     string              `json:"device_id" msgpack:"device_id"`
	DeviceKind   string              `json:"device_kind" msgpack:"device_kind"`
	Room         string              `json:"room,omitempty" msgpack:"room,omitempty"`
	Capabilities domain.Capabilities `json:"capabilities" msgpack:"capabilities"`
	Stationary   bool                `json:"stationary,omitempty" msgpack:"stationary,omitempty"`
}

type Heartbeat struct {
	Type   string `json:"type" msgpack:"type"`
	Status string `json:"status,omitempty" msgpack:"status,omitempty"`
}

type Audio struct {
	Type      string `json:"type" msgpack:"type"`
	Chunk     string `json:"chunk" msgpack:"chunk"` // base64
	Sequence  int    `json:"sequence" msgpack:"sequence"`
	SessionID string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type AudioEnd struct {
	Type      string `json:"type" msgpack:"type"`
	SessionID string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

type WakewordDetected struct {
	Type       string  `json:"type" msgpack:"type"`
	Keyword    string  `json:"keyword" msgpack:"keyword"`
	Confidence float64 `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	SessionID  string  `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type StartSession struct {
	Type string `json:"type" msgpack:"type"`
}

type Cancel struct {
	Type      string `json:"type" msgpack:"type"`
	SessionID string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type Action struct {
	Type      string `json:"type" msgpack:"type"`
	Intent    string `json:"intent" msgpack:"intent"`
	Result    any    `json:"result,omitempty" msgpack:"result,omitempty"`
	SessionID string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type Stream struct {
	Type      string `json:"type" msgpack:"type"`
	Content   string `json:"content" msgpack:"content"`
	SessionID string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type AgentThinking struct {
	Type      string `json:"type" msgpack:"type"`
	Content   string `json:"content" msgpack:"content"`
	Step      int    `json:"step" msgpack:"step"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type AgentToolCall struct {
	Type      string         `json:"type" msgpack:"type"`
	Tool      string         `json:"tool" msgpack:"tool"`
	Args      map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
	Reason    string         `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Step      int            `json:"step" msgpack:"step"`
	SessionID string         `json:"session_id" msgpack:"session_id"`
}

type AgentToolResult struct {
	Type      string `json:"type" msgpack:"type"`
	Tool      string `json:"tool" msgpack:"tool"`
	Success   bool   `json:"success" msgpack:"success"`
	Result    any    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
	Step      int    `json:"step" msgpack:"step"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type Done struct {
	Type       string `json:"type" msgpack:"type"`
	TTSHandled bool   `json:"tts_handled" msgpack:"tts_handled"`
	AgentUsed  bool   `json:"agent_used,omitempty" msgpack:"agent_used,omitempty"`
	AgentSteps int    `json:"agent_steps,omitempty" msgpack:"agent_steps,omitempty"`
	SessionID  string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
}

type RegisterAck struct {
	Type         string              `json:"type" msgpack:"type"`
	Success      bool                `json:"success" msgpack:"success"`
	DeviceID     string              `json:"device_id,omitempty" msgpack:"device_id,omitempty"`
	RoomID       string              `json:"room_id,omitempty" msgpack:"room_id,omitempty"`
	Capabilities domain.Capabilities `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
	Error        string              `json:"error,omitempty" msgpack:"error,omitempty"`
}

type State struct {
	Type  string `json:"type" msgpack:"type"`
	State string `json:"state" msgpack:"state"`
}

type Transcription struct {
	Type      string `json:"type" msgpack:"type"`
	Text      string `json:"text" msgpack:"text"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type ResponseText struct {
	Type      string `json:"type" msgpack:"type"`
	Text      string `json:"text" msgpack:"text"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type TTSAudio struct {
	Type      string `json:"type" msgpack:"type"`
	Audio     string `json:"audio" msgpack:"audio"` // base64
	IsFinal   bool   `json:"is_final" msgpack:"is_final"`
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type SessionEnd struct {
	Type      string `json:"type" msgpack:"type"`
	SessionID string `json:"session_id" msgpack:"session_id"`
	Reason    string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

type HeartbeatAck struct {
	Type string `json:"type" msgpack:"type"`
}

type ConfigUpdate struct {
	Type   string         `json:"type" msgpack:"type"`
	Config map[string]any `json:"config" msgpack:"config"`
}

type Error struct {
	Type    string `json:"type" msgpack:"type"`
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string `json:"message" msgpack:"message"`
}
