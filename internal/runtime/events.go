package runtime

import (
	"encoding/json"
	"strconv"
)

// Event is one parsed line of the worker's stream-json stdout, plus the
// synthetic events the runner fabricates (unparseable lines, stderr
// chunks, terminal close).
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Content carries free-form content. For synthetic system events it is
	// a JSON string; for tool_result events it may be a string or a block
	// array, so it stays raw. Use ContentText for display.
	Content json.RawMessage `json:"content,omitempty"`

	Message      *Message      `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`

	// Terminal result fields.
	Result            string             `json:"result,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	ExitCode          int                `json:"exit_code,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// Message is the assistant message envelope. Content is either a plain
// string or an array of content blocks on the wire.
type Message struct {
	Content MessageContent `json:"content"`
}

// MessageContent accepts both `"text"` and `[{"type":"text",...}]`.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		return nil
	}
	return json.Unmarshal(data, &m.Blocks)
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// ContentBlock is a streamed content block (text, thinking, or tool_use).
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	ID       string          `json:"id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Delta is a streamed partial update to the current content block.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// PermissionDenial reports a tool the worker wanted but was not allowed.
type PermissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ContentText renders Content for display: JSON strings are unquoted,
// anything else is returned as compact JSON.
func (e *Event) ContentText() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return string(e.Content)
}

// Terminal reports whether this event ends the subprocess conversation.
// All result subtypes are terminal; "error" maps to a failed session,
// "close" and "success" to a completed one.
func (e *Event) Terminal() bool {
	return e.Type == "result"
}

func stringContent(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func systemEvent(content string) Event {
	return Event{Type: "system", Content: stringContent(content)}
}

func stderrEvent(chunk string) Event {
	return Event{Type: "system", Subtype: "stderr", Content: stringContent(chunk)}
}

func closeEvent(exitCode int) Event {
	subtype := "close"
	if exitCode != 0 {
		subtype = "error"
	}
	return Event{
		Type:     "result",
		Subtype:  subtype,
		ExitCode: exitCode,
		Content:  stringContent("exit " + strconv.Itoa(exitCode)),
	}
}
