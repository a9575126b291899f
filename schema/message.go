package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role defines message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message represents one transcript item.
type Message struct {
	ID        string                 `json:"id,omitempty"`
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	ToolCalls []ToolCall             `json:"tool_calls,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToolCall represents a tool invocation request. ID is the caller-chosen
// correlation id, unique within a run; Name is the flat function name.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolCallOutput is the single result produced for an issued tool call.
// Exactly one of Result and Err is set.
type ToolCallOutput struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *CallError      `json:"error,omitempty"`
}

// ToolDef advertises a callable operation together with the JSON schema of
// its arguments.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// HasToolCalls reports whether tool calls are present.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// SetMetadata sets metadata, allocating the map on first use.
func (m *Message) SetMetadata(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
}

// GetMetadata retrieves metadata.
func (m *Message) GetMetadata(key string) (interface{}, bool) {
	if m.Metadata == nil {
		return nil, false
	}
	value, exists := m.Metadata[key]
	return value, exists
}

// Clone deep-copies the message.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// ToolOutputMessage renders a tool call output as a transcript message.
// Errors become content the model can read on the next phase, with the code
// kept in metadata so callers never have to string-match.
func ToolOutputMessage(out ToolCallOutput) Message {
	msg := Message{
		ID:        out.CallID,
		Role:      RoleTool,
		Content:   string(out.Result),
		Timestamp: time.Now(),
	}
	msg.SetMetadata("tool_call_id", out.CallID)
	if out.Err != nil {
		msg.Content = out.Err.Message
		msg.SetMetadata("error_code", out.Err.Code)
	}
	return msg
}
