// Package tasks owns the ephemeral task records, one per dispatched worker
// invocation. Task IDs double as correlation tokens: the bridge and the
// adversary match session_ended events back to the dispatch that started
// them by task id.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
)

var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// LogLimit ring-buffers task logs to the most recent entries.
const LogLimit = 100

// LogEntry is one timestamped task log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is one worker invocation record. Persisted for later inspection.
type Task struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	AssignedAgentID string     `json:"assignedAgentId,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Result          string     `json:"result,omitempty"`
	Logs            []LogEntry `json:"logs,omitempty"`
}

// Store is the persistence surface the manager needs.
type Store interface {
	LoadTasks() ([]*Task, error)
	SaveTasks([]*Task) error
}

type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	store Store
	bus   *bus.EventBus
}

func NewManager(st Store, b *bus.EventBus) (*Manager, error) {
	m := &Manager{tasks: make(map[string]*Task), store: st, bus: b}
	loaded, err := st.LoadTasks()
	if err != nil {
		return nil, fmt.Errorf("tasks: load: %w", err)
	}
	for _, t := range loaded {
		m.tasks[t.ID] = t
	}
	return m, nil
}

// Create registers a new pending task.
func (m *Manager) Create(description, agentID string) *Task {
	t := &Task{
		ID:              uuid.NewString(),
		Description:     description,
		AssignedAgentID: agentID,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicTaskCreated, bus.TaskPayload{TaskID: t.ID, AgentID: agentID, Status: string(t.Status)})
	return cloneTask(t)
}

func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

// List returns all tasks ordered by creation time.
func (m *Manager) List() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListForAgent returns the agent's tasks ordered by creation time.
func (m *Manager) ListForAgent(agentID string) []*Task {
	all := m.List()
	out := all[:0]
	for _, t := range all {
		if t.AssignedAgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Start moves a task to in_progress and stamps StartedAt.
func (m *Manager) Start(id string) error {
	t, err := m.mutate(id, func(t *Task) {
		now := time.Now()
		t.Status = StatusInProgress
		t.StartedAt = &now
	})
	if err != nil {
		return err
	}
	m.bus.Publish(bus.TopicTaskStarted, bus.TaskPayload{TaskID: id, AgentID: t.AssignedAgentID, Status: string(StatusInProgress)})
	return nil
}

// Complete finishes a task with its result.
func (m *Manager) Complete(id, result string) error {
	t, err := m.mutate(id, func(t *Task) {
		now := time.Now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.Result = result
	})
	if err != nil {
		return err
	}
	m.bus.Publish(bus.TopicTaskCompleted, bus.TaskPayload{TaskID: id, AgentID: t.AssignedAgentID, Status: string(StatusCompleted), Result: result})
	return nil
}

// Fail finishes a task with an error message stored as its result.
func (m *Manager) Fail(id, errMsg string) error {
	t, err := m.mutate(id, func(t *Task) {
		now := time.Now()
		t.Status = StatusFailed
		t.CompletedAt = &now
		t.Result = errMsg
	})
	if err != nil {
		return err
	}
	m.bus.Publish(bus.TopicTaskFailed, bus.TaskPayload{TaskID: id, AgentID: t.AssignedAgentID, Status: string(StatusFailed), Error: errMsg})
	return nil
}

// AddLog appends a log entry, keeping the most recent LogLimit entries.
func (m *Manager) AddLog(id, message string) error {
	_, err := m.mutate(id, func(t *Task) {
		t.Logs = append(t.Logs, LogEntry{Timestamp: time.Now(), Message: message})
		if len(t.Logs) > LogLimit {
			t.Logs = t.Logs[len(t.Logs)-LogLimit:]
		}
	})
	if err != nil {
		return err
	}
	m.bus.Publish(bus.TopicTaskLog, bus.TaskLogPayload{TaskID: id, Message: message})
	return nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	m.persistLocked()
	return nil
}

// DeleteForAgent removes all tasks assigned to the agent (fire cascade).
func (m *Manager) DeleteForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.AssignedAgentID == agentID {
			delete(m.tasks, id)
		}
	}
	m.persistLocked()
}

func (m *Manager) mutate(id string, fn func(*Task)) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(t)
	m.persistLocked()
	return cloneTask(t), nil
}

func (m *Manager) persistLocked() {
	all := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, cloneTask(t))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if err := m.store.SaveTasks(all); err != nil {
		slog.Warn("tasks: persist", "error", err)
	}
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Logs = append([]LogEntry(nil), t.Logs...)
	return &cp
}
