// Package sessions owns the conversational state wrapping worker
// subprocess invocations. One live subprocess per session; per agent at
// most one session is live at a time.
package sessions

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusStarting     Status = "starting"
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Live reports whether the session still has (or awaits) a subprocess.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusActive || s == StatusWaitingInput
}

type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageThinking   MessageType = "thinking"
	MessageSystem     MessageType = "system"
)

// Metadata rides on tool_use messages.
type Metadata struct {
	ToolName string          `json:"toolName,omitempty"`
	ToolID   string          `json:"toolId,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Message is one entry in a session transcript, in subprocess stdout
// order.
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Metadata  *Metadata   `json:"metadata,omitempty"`
}

// PendingPermission is a tool the worker asked for and was denied,
// awaiting an operator decision.
type PendingPermission struct {
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
}

// Session wraps one worker subprocess conversation. It references its
// agent and task by id without owning either.
type Session struct {
	ID                 string              `json:"id"`
	AgentID            string              `json:"agentId"`
	TaskID             string              `json:"taskId"`
	Status             Status              `json:"status"`
	Messages           []Message           `json:"messages"`
	PendingPermissions []PendingPermission `json:"pendingPermissions,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	LastActivityAt     time.Time           `json:"lastActivityAt"`
}

// AssistantText concatenates the assistant messages in order. This is
// the "result" of a worker run.
func (s *Session) AssistantText() string {
	var out string
	for _, m := range s.Messages {
		if m.Type != MessageAssistant {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

func (s *Session) hasAssistantMessage() bool {
	for _, m := range s.Messages {
		if m.Type == MessageAssistant {
			return true
		}
	}
	return false
}
