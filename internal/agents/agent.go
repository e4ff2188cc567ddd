// Package agents owns the agent roster and per-agent conversation memory.
package agents

import (
	"slices"
	"strings"
	"time"
)

// State is the agent's coarse activity state. working is held exactly
// while a worker session runs for the agent; walking exists for the
// cosmetic front-end only.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateWorking  State = "working"
	StateWalking  State = "walking"
)

// BaselineTools are always approved and cannot be removed.
var BaselineTools = []string{"Read", "Glob", "Grep"}

// Agent is a named virtual worker identity.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          State     `json:"state"`
	ApprovedTools  []string  `json:"approvedTools"`
	SystemPrompt   string    `json:"systemPrompt,omitempty"`
	TasksCompleted int       `json:"tasksCompleted"`
	TokensUsed     int       `json:"tokensUsed"`
	CurrentTaskID  string    `json:"currentTaskId,omitempty"`
	X              int       `json:"x"`
	Y              int       `json:"y"`
	HiredAt        time.Time `json:"hiredAt"`
}

// HasTool reports whether the tool is approved, case-insensitively.
func (a *Agent) HasTool(name string) bool {
	return slices.ContainsFunc(a.ApprovedTools, func(t string) bool {
		return strings.EqualFold(t, name)
	})
}

// Conversation is one remembered exchange entry.
type Conversation struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryLimit bounds the conversation FIFO per agent.
const MemoryLimit = 50
