package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/runtime"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrAgentBusy  = errors.New("agent already has a live session")
	ErrNotLive    = errors.New("session is not live")
	ErrNotWaiting = errors.New("session is not waiting for input")
)

// StartOptions configures one worker invocation.
type StartOptions struct {
	Prompt         string
	WorkingDir     string
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	AdditionalDirs []string
}

// Manager owns sessionId → Session and agentId → sessionId. All event
// handling funnels through one mutex; bus publishes happen outside it so
// subscribers can call back in.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byAgent  map[string]string
	runner   runtime.Runner
	bus      *bus.EventBus
}

func NewManager(r runtime.Runner, b *bus.EventBus) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]string),
		runner:   r,
		bus:      b,
	}
}

// StartSession allocates a session in starting, spawns the worker, and
// transitions to active.
func (m *Manager) StartSession(ctx context.Context, agentID, taskID string, opts StartOptions) (string, error) {
	m.mu.Lock()
	if sid, ok := m.byAgent[agentID]; ok {
		if s, ok := m.sessions[sid]; ok && s.Status.Live() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: agent %s session %s", ErrAgentBusy, agentID, sid)
		}
	}
	now := time.Now()
	s := &Session{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		TaskID:         taskID,
		Status:         StatusStarting,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.byAgent[agentID] = s.ID
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionCreated, bus.SessionPayload{
		SessionID: s.ID, AgentID: agentID, TaskID: taskID, Status: string(StatusStarting),
	})

	sessionID := s.ID
	err := m.runner.Start(ctx, runtime.SpawnOptions{
		SessionID:      sessionID,
		WorkingDir:     opts.WorkingDir,
		Prompt:         opts.Prompt,
		SystemPrompt:   opts.SystemPrompt,
		AllowedTools:   opts.AllowedTools,
		MaxTurns:       opts.MaxTurns,
		AdditionalDirs: opts.AdditionalDirs,
	}, func(ev runtime.Event) { m.handleEvent(sessionID, ev) })
	if err != nil {
		m.endSession(sessionID, StatusError, fmt.Sprintf("spawn failed: %v", err))
		return "", err
	}

	m.setStatus(sessionID, StatusActive)
	return sessionID, nil
}

// SendMessage appends a user message and resumes the worker with it. The
// prior subprocess is superseded; its in-flight output is dropped.
func (m *Manager) SendMessage(ctx context.Context, sessionID, message, workingDir string, allowedTools []string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.Status.Live() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLive, s.Status)
	}
	agentID := s.AgentID
	msg := m.appendLocked(s, MessageUser, message, nil)
	m.mu.Unlock()

	m.publishMessage(agentID, sessionID, msg)

	err := m.runner.Resume(ctx, runtime.SpawnOptions{
		SessionID:    sessionID,
		WorkingDir:   workingDir,
		Prompt:       message,
		AllowedTools: allowedTools,
	}, func(ev runtime.Event) { m.handleEvent(sessionID, ev) })
	if err != nil {
		return fmt.Errorf("sessions: resume: %w", err)
	}

	m.setStatus(sessionID, StatusActive)
	return nil
}

// StopSession kills the subprocess and ends the session in error. The
// close event from the killed process is ignored by double-end
// protection.
func (m *Manager) StopSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !s.Status.Live() {
		status := s.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLive, status)
	}
	m.mu.Unlock()

	if err := m.runner.Kill(sessionID); err != nil {
		slog.Warn("sessions: kill", "session", sessionID, "error", err)
	}
	m.endSession(sessionID, StatusError, "stopped by operator")
	return nil
}

// ApprovePermission resolves one pending permission case-insensitively
// and reports the canonically-cased tool name plus whether every pending
// permission is now cleared. Approving an already-cleared tool is a
// no-op.
func (m *Manager) ApprovePermission(sessionID, toolName string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false, ErrNotFound
	}
	if s.Status != StatusWaitingInput {
		return "", false, fmt.Errorf("%w: %s", ErrNotWaiting, s.Status)
	}
	canonical := toolName
	for i, p := range s.PendingPermissions {
		if strings.EqualFold(p.ToolName, toolName) {
			canonical = p.ToolName
			s.PendingPermissions = append(s.PendingPermissions[:i], s.PendingPermissions[i+1:]...)
			break
		}
	}
	return canonical, len(s.PendingPermissions) == 0, nil
}

// DenyPermission ends a waiting session in completed; the worker's work
// so far stands as the result.
func (m *Manager) DenyPermission(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Status != StatusWaitingInput {
		status := s.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWaiting, status)
	}
	s.PendingPermissions = nil
	// Demote so endSession's live-status guard passes.
	s.Status = StatusActive
	m.mu.Unlock()

	m.endSession(sessionID, StatusCompleted, "")
	return nil
}

// ResumeSession continues a waiting session after permission approval
// with the updated tool list.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string, allowedTools []string, workingDir string) error {
	return m.SendMessage(ctx, sessionID, "Permission granted. Continue your task.", workingDir, allowedTools)
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// ActiveForAgent returns the agent's live session, if any.
func (m *Manager) ActiveForAgent(agentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[sid]
	if !ok || !s.Status.Live() {
		return nil, false
	}
	return cloneSession(s), true
}

// ── event handling ──

// handleEvent maps one worker event into zero or one transcript message,
// or routes a terminal result. Called from the runner's pump goroutines.
func (m *Manager) handleEvent(sessionID string, ev runtime.Event) {
	if ev.Terminal() {
		m.handleTerminal(sessionID, ev)
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.LastActivityAt = time.Now()

	var msgs []Message
	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			if ev.Message.Content.Text != "" {
				msgs = append(msgs, m.appendLocked(s, MessageAssistant, ev.Message.Content.Text, nil))
			}
			for _, block := range ev.Message.Content.Blocks {
				if block.Type == "text" && block.Text != "" {
					msgs = append(msgs, m.appendLocked(s, MessageAssistant, block.Text, nil))
				}
			}
		}
	case "content_block_start":
		if cb := ev.ContentBlock; cb != nil {
			switch cb.Type {
			case "thinking":
				if cb.Thinking != "" {
					msgs = append(msgs, m.appendLocked(s, MessageThinking, cb.Thinking, nil))
				}
			case "tool_use":
				msgs = append(msgs, m.appendLocked(s, MessageToolUse, cb.Name, &Metadata{
					ToolName: cb.Name, ToolID: cb.ID, Input: cb.Input,
				}))
			case "text":
				if cb.Text != "" {
					msgs = append(msgs, m.appendLocked(s, MessageAssistant, cb.Text, nil))
				}
			}
		}
	case "content_block_delta":
		if d := ev.Delta; d != nil {
			switch d.Type {
			case "thinking_delta":
				if d.Thinking != "" {
					msgs = append(msgs, m.appendLocked(s, MessageThinking, d.Thinking, nil))
				}
			case "text_delta":
				if d.Text != "" {
					msgs = append(msgs, m.appendLocked(s, MessageAssistant, d.Text, nil))
				}
			}
			// input_json_delta is partial tool-input JSON; dropped.
		}
	case "tool_result":
		msgs = append(msgs, m.appendLocked(s, MessageToolResult, ev.ContentText(), nil))
	case "system":
		if ev.Subtype == "tool_result" {
			msgs = append(msgs, m.appendLocked(s, MessageToolResult, ev.ContentText(), nil))
		} else {
			msgs = append(msgs, m.appendLocked(s, MessageSystem, ev.ContentText(), nil))
		}
	}
	agentID := s.AgentID
	m.mu.Unlock()

	for _, msg := range msgs {
		m.publishMessage(agentID, sessionID, msg)
	}
}

// handleTerminal applies the result event. Permission denials divert the
// session to waiting_input instead of ending it; a session already
// waiting ignores close events; a session already ended ignores
// everything.
func (m *Manager) handleTerminal(sessionID string, ev runtime.Event) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status == StatusCompleted || s.Status == StatusError {
		m.mu.Unlock()
		return
	}
	if s.Status == StatusWaitingInput {
		m.mu.Unlock()
		slog.Debug("sessions: close ignored while waiting for input", "session", sessionID)
		return
	}
	s.LastActivityAt = time.Now()

	if len(ev.PermissionDenials) > 0 {
		seen := make(map[string]bool)
		var perms []bus.PermissionPayload
		for _, d := range ev.PermissionDenials {
			key := strings.ToLower(d.ToolName)
			if d.ToolName == "" || seen[key] {
				continue
			}
			seen[key] = true
			s.PendingPermissions = append(s.PendingPermissions, PendingPermission{
				ToolName: d.ToolName, ToolInput: d.ToolInput,
			})
			perms = append(perms, bus.PermissionPayload{
				SessionID: sessionID, AgentID: s.AgentID, ToolName: d.ToolName,
			})
		}
		s.Status = StatusWaitingInput
		agentID, taskID := s.AgentID, s.TaskID
		m.mu.Unlock()

		m.bus.Publish(bus.TopicSessionStatusChanged, bus.SessionPayload{
			SessionID: sessionID, AgentID: agentID, TaskID: taskID, Status: string(StatusWaitingInput),
		})
		for _, p := range perms {
			m.bus.Publish(bus.TopicPermissionRequested, p)
		}
		return
	}

	// Salvage the result text when the stream never carried an assistant
	// message.
	var lateMsg *Message
	if ev.Result != "" && !s.hasAssistantMessage() {
		msg := m.appendLocked(s, MessageAssistant, ev.Result, nil)
		lateMsg = &msg
	}
	agentID := s.AgentID
	m.mu.Unlock()

	if lateMsg != nil {
		m.publishMessage(agentID, sessionID, *lateMsg)
	}

	status := StatusCompleted
	errMsg := ""
	if ev.Subtype == "error" || ev.IsError {
		status = StatusError
		errMsg = ev.ContentText()
		if errMsg == "" {
			errMsg = fmt.Sprintf("worker exited with code %d", ev.ExitCode)
		}
	}
	m.endSession(sessionID, status, errMsg)
}

// ── internals ──

func (m *Manager) endSession(sessionID string, status Status, errMsg string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusCompleted || s.Status == StatusError {
		m.mu.Unlock()
		return
	}
	s.Status = status
	s.LastActivityAt = time.Now()
	payload := bus.SessionEndedPayload{
		SessionID: sessionID,
		AgentID:   s.AgentID,
		TaskID:    s.TaskID,
		Status:    string(status),
		Result:    s.AssistantText(),
		Error:     errMsg,
	}
	if m.byAgent[s.AgentID] == sessionID {
		delete(m.byAgent, s.AgentID)
	}
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionStatusChanged, bus.SessionPayload{
		SessionID: sessionID, AgentID: payload.AgentID, TaskID: payload.TaskID, Status: string(status),
	})
	m.bus.Publish(bus.TopicSessionEnded, payload)
}

func (m *Manager) setStatus(sessionID string, status Status) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == status || !s.Status.Live() {
		m.mu.Unlock()
		return
	}
	s.Status = status
	agentID, taskID := s.AgentID, s.TaskID
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSessionStatusChanged, bus.SessionPayload{
		SessionID: sessionID, AgentID: agentID, TaskID: taskID, Status: string(status),
	})
}

func (m *Manager) appendLocked(s *Session, typ MessageType, content string, meta *Metadata) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      typ,
		Content:   content,
		Metadata:  meta,
	}
	s.Messages = append(s.Messages, msg)
	return msg
}

func (m *Manager) publishMessage(agentID, sessionID string, msg Message) {
	m.bus.Publish(bus.TopicSessionMessage, bus.SessionMessagePayload{
		SessionID: sessionID, AgentID: agentID, Type: string(msg.Type), Content: msg.Content,
	})
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.PendingPermissions = append([]PendingPermission(nil), s.PendingPermissions...)
	return &cp
}
