package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
)

var (
	ErrNotFound     = errors.New("agent not found")
	ErrNameTaken    = errors.New("agent name already in use")
	ErrBaselineTool = errors.New("baseline tool cannot be removed")
	ErrUnknownState = errors.New("unknown agent state")
)

// namePool is tried in order before falling back to "Agent N".
var namePool = []string{
	"Sam", "Alex", "Riley", "Jordan", "Casey", "Morgan",
	"Quinn", "Avery", "Rowan", "Skyler", "Devon", "Harper",
}

// Store is the persistence surface the manager needs.
type Store interface {
	LoadAgents() ([]*Agent, error)
	SaveAgents([]*Agent) error
	LoadMemory(agentID string) ([]Conversation, error)
	SaveMemory(agentID string, conversations []Conversation) error
	DeleteMemory(agentID string) error
}

// Manager owns the roster and per-agent memory. All mutation goes through
// its methods; each mutation persists synchronously (last-writer-wins).
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	memory map[string][]Conversation
	store  Store
	bus    *bus.EventBus
}

func NewManager(st Store, b *bus.EventBus) (*Manager, error) {
	m := &Manager{
		agents: make(map[string]*Agent),
		memory: make(map[string][]Conversation),
		store:  st,
		bus:    b,
	}
	loaded, err := st.LoadAgents()
	if err != nil {
		return nil, fmt.Errorf("agents: load: %w", err)
	}
	for _, a := range loaded {
		if len(a.ApprovedTools) == 0 {
			a.ApprovedTools = slices.Clone(BaselineTools)
		}
		m.agents[a.ID] = a
	}
	return m, nil
}

// Hire creates an agent. An empty name picks the first unused pool name,
// falling back to "Agent N" with the smallest unused N.
func (m *Manager) Hire(name string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = m.nextNameLocked()
	} else if m.byNameLocked(name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	a := &Agent{
		ID:            uuid.NewString(),
		Name:          name,
		State:         StateIdle,
		ApprovedTools: slices.Clone(BaselineTools),
		HiredAt:       time.Now(),
	}
	m.agents[a.ID] = a
	m.persistLocked()

	m.bus.Publish(bus.TopicAgentHired, bus.AgentPayload{AgentID: a.ID, Name: a.Name, State: string(a.State)})
	slog.Info("agent hired", "agent", a.Name, "id", a.ID)
	return cloneAgent(a), nil
}

// Fire removes the agent and its memory. Cascading cleanup of sessions,
// tasks, goals, and preferences belongs to the callers that own them; the
// agent_fired event carries the id they key on.
func (m *Manager) Fire(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.agents, id)
	delete(m.memory, id)
	m.persistLocked()
	m.mu.Unlock()

	if err := m.store.DeleteMemory(id); err != nil {
		slog.Warn("agents: delete memory", "agent", id, "error", err)
	}
	m.bus.Publish(bus.TopicAgentFired, bus.AgentPayload{AgentID: id, Name: a.Name})
	slog.Info("agent fired", "agent", a.Name, "id", id)
	return nil
}

func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// GetByName resolves an agent by exact name, case-insensitively.
func (m *Manager) GetByName(name string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.byNameLocked(name)
	if a == nil {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

// List returns all agents ordered by hire time.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HiredAt.Equal(out[j].HiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].HiredAt.Before(out[j].HiredAt)
	})
	return out
}

func (m *Manager) UpdateState(id string, state State) error {
	switch state {
	case StateIdle, StateThinking, StateWorking, StateWalking:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownState, state)
	}
	err := m.mutate(id, func(a *Agent) { a.State = state })
	if err == nil {
		m.bus.Publish(bus.TopicAgentState, bus.AgentPayload{AgentID: id, State: string(state)})
	}
	return err
}

// UpdatePosition is purely cosmetic state for the isometric front-end.
func (m *Manager) UpdatePosition(id string, x, y int) error {
	err := m.mutate(id, func(a *Agent) { a.X, a.Y = x, y })
	if err == nil {
		m.bus.Publish(bus.TopicAgentMoved, bus.AgentPayload{AgentID: id, X: x, Y: y})
	}
	return err
}

func (m *Manager) AssignTask(id, taskID string) error {
	return m.mutate(id, func(a *Agent) { a.CurrentTaskID = taskID })
}

func (m *Manager) UnassignTask(id string) error {
	return m.mutate(id, func(a *Agent) { a.CurrentTaskID = "" })
}

func (m *Manager) IncrementTasksCompleted(id string) error {
	return m.mutate(id, func(a *Agent) { a.TasksCompleted++ })
}

func (m *Manager) AddTokensUsed(id string, tokens int) error {
	return m.mutate(id, func(a *Agent) { a.TokensUsed += tokens })
}

func (m *Manager) SetSystemPrompt(id, prompt string) error {
	return m.mutate(id, func(a *Agent) { a.SystemPrompt = prompt })
}

// AddApprovedTool appends a tool if absent (case-insensitive) and returns
// the canonical stored name.
func (m *Manager) AddApprovedTool(id, tool string) (string, error) {
	var canonical string
	err := m.mutate(id, func(a *Agent) {
		for _, t := range a.ApprovedTools {
			if strings.EqualFold(t, tool) {
				canonical = t
				return
			}
		}
		a.ApprovedTools = append(a.ApprovedTools, tool)
		canonical = tool
	})
	return canonical, err
}

func (m *Manager) RemoveApprovedTool(id, tool string) error {
	for _, b := range BaselineTools {
		if strings.EqualFold(b, tool) {
			return fmt.Errorf("%w: %s", ErrBaselineTool, tool)
		}
	}
	return m.mutate(id, func(a *Agent) {
		a.ApprovedTools = slices.DeleteFunc(a.ApprovedTools, func(t string) bool {
			return strings.EqualFold(t, tool)
		})
	})
}

// GetMemory returns the agent's remembered conversations, oldest first.
func (m *Manager) GetMemory(id string) []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.memoryLocked(id))
}

// AddConversation appends a memory entry and trims to the most recent 50.
func (m *Manager) AddConversation(id, role, content, taskID string) error {
	m.mu.Lock()
	if _, ok := m.agents[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	mem := append(m.memoryLocked(id), Conversation{
		Role:      role,
		Content:   content,
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
	if len(mem) > MemoryLimit {
		mem = mem[len(mem)-MemoryLimit:]
	}
	m.memory[id] = mem
	snapshot := slices.Clone(mem)
	m.mu.Unlock()

	if err := m.store.SaveMemory(id, snapshot); err != nil {
		slog.Warn("agents: save memory", "agent", id, "error", err)
	}
	return nil
}

// memoryLocked lazily loads memory from the store on first access.
func (m *Manager) memoryLocked(id string) []Conversation {
	if mem, ok := m.memory[id]; ok {
		return mem
	}
	mem, err := m.store.LoadMemory(id)
	if err != nil {
		slog.Warn("agents: load memory", "agent", id, "error", err)
		mem = nil
	}
	m.memory[id] = mem
	return mem
}

func (m *Manager) mutate(id string, fn func(*Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	m.persistLocked()
	return nil
}

func (m *Manager) persistLocked() {
	all := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		all = append(all, cloneAgent(a))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].HiredAt.Equal(all[j].HiredAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].HiredAt.Before(all[j].HiredAt)
	})
	if err := m.store.SaveAgents(all); err != nil {
		slog.Warn("agents: persist", "error", err)
	}
}

func (m *Manager) byNameLocked(name string) *Agent {
	for _, a := range m.agents {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func (m *Manager) nextNameLocked() string {
	used := make(map[string]bool, len(m.agents))
	for _, a := range m.agents {
		used[strings.ToLower(a.Name)] = true
	}
	for _, n := range namePool {
		if !used[strings.ToLower(n)] {
			return n
		}
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("Agent %d", n)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.ApprovedTools = slices.Clone(a.ApprovedTools)
	return &cp
}
