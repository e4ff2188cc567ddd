package goals

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

var (
	ErrGoalNotFound    = errors.New("goal not found")
	ErrStepNotFound    = errors.New("plan step not found")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrNoPlan          = errors.New("goal has no plan")
	ErrTerminalGoal    = errors.New("goal is in a terminal state")
	ErrEmptyPlan       = errors.New("plan needs at least one step")
)

// Store is the persistence surface the manager needs. Goals and plans
// share one collection on disk, discriminated by a `_type:"plan"` tag.
type Store interface {
	LoadGoals() ([]*Goal, []*Plan, error)
	SaveGoals([]*Goal, []*Plan) error
	LoadTriggers() ([]*Trigger, error)
	SaveTriggers([]*Trigger) error
}

type Manager struct {
	mu       sync.RWMutex
	goals    map[string]*Goal
	plans    map[string]*Plan // goalID → current plan
	triggers map[string]*Trigger
	store    Store
	bus      *bus.EventBus
}

func NewManager(st Store, b *bus.EventBus) (*Manager, error) {
	m := &Manager{
		goals:    make(map[string]*Goal),
		plans:    make(map[string]*Plan),
		triggers: make(map[string]*Trigger),
		store:    st,
		bus:      b,
	}
	gs, ps, err := st.LoadGoals()
	if err != nil {
		return nil, fmt.Errorf("goals: load: %w", err)
	}
	for _, g := range gs {
		m.goals[g.ID] = g
	}
	for _, p := range ps {
		// Only the highest version per goal survives a reload.
		if cur, ok := m.plans[p.GoalID]; !ok || p.Version > cur.Version {
			m.plans[p.GoalID] = p
		}
	}
	ts, err := st.LoadTriggers()
	if err != nil {
		return nil, fmt.Errorf("goals: load triggers: %w", err)
	}
	for _, t := range ts {
		m.triggers[t.ID] = t
	}
	return m, nil
}

// ── Goals ──

// CreateGoal registers a new active goal for an agent.
func (m *Manager) CreateGoal(agentID, description, workingDir string, maxTurnsPerStep int) *Goal {
	if maxTurnsPerStep <= 0 {
		maxTurnsPerStep = 30
	}
	now := time.Now()
	g := &Goal{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		Description:      description,
		WorkingDirectory: workingDir,
		MaxTurnsPerStep:  maxTurnsPerStep,
		Status:           GoalActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	m.goals[g.ID] = g
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicGoalCreated, bus.GoalPayload{GoalID: g.ID, AgentID: agentID, Status: string(g.Status)})
	return cloneGoal(g)
}

func (m *Manager) GetGoal(id string) (*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	return cloneGoal(g), nil
}

// ListGoals returns all goals, ordered by creation time, optionally
// filtered by agent.
func (m *Manager) ListGoals(agentID string) []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Goal, 0, len(m.goals))
	for _, g := range m.goals {
		if agentID != "" && g.AgentID != agentID {
			continue
		}
		out = append(out, cloneGoal(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveGoalForAgent returns the most recently created active goal, or nil.
func (m *Manager) ActiveGoalForAgent(agentID string) *Goal {
	all := m.ListGoals(agentID)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == GoalActive || all[i].Status == GoalPaused {
			return all[i]
		}
	}
	return nil
}

// UpdateGoalStatus transitions a goal. Terminal states reject further
// transitions; active ↔ paused flips freely.
func (m *Manager) UpdateGoalStatus(id string, status GoalStatus) error {
	err := m.mutateGoal(id, func(g *Goal) error {
		if g.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalGoal, g.Status)
		}
		g.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.RLock()
	agentID := m.goals[id].AgentID
	m.mu.RUnlock()
	m.bus.Publish(bus.TopicGoalUpdated, bus.GoalPayload{GoalID: id, AgentID: agentID, Status: string(status)})
	return nil
}

func (m *Manager) AddConstraint(id, constraint string) error {
	return m.mutateGoal(id, func(g *Goal) error {
		g.Constraints = append(g.Constraints, constraint)
		return nil
	})
}

func (m *Manager) SetWorkingDirectory(id, dir string) error {
	return m.mutateGoal(id, func(g *Goal) error {
		g.WorkingDirectory = dir
		return nil
	})
}

func (m *Manager) SetGoalSystemPrompt(id, prompt string) error {
	return m.mutateGoal(id, func(g *Goal) error {
		g.SystemPrompt = prompt
		return nil
	})
}

// DeleteGoalsForAgent removes the agent's goals, plans, and triggers
// (fire cascade).
func (m *Manager) DeleteGoalsForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.goals {
		if g.AgentID != agentID {
			continue
		}
		delete(m.goals, id)
		delete(m.plans, id)
	}
	for id, t := range m.triggers {
		if t.AgentID == agentID {
			delete(m.triggers, id)
		}
	}
	m.persistLocked()
	m.persistTriggersLocked()
}

// ── Plans ──

// SetPlan replaces the goal's current plan with a fresh one at version
// prev+1 (or 1). Steps get dense 0-based orders in the given sequence.
func (m *Manager) SetPlan(goalID string, stepDescriptions []string, reasoning string, lc Lifecycle) (*Plan, error) {
	if len(stepDescriptions) == 0 {
		return nil, ErrEmptyPlan
	}
	m.mu.Lock()
	if _, ok := m.goals[goalID]; !ok {
		m.mu.Unlock()
		return nil, ErrGoalNotFound
	}
	version := 1
	if prev, ok := m.plans[goalID]; ok {
		version = prev.Version + 1
	}
	now := time.Now()
	p := &Plan{
		ID:                 uuid.NewString(),
		GoalID:             goalID,
		Version:            version,
		Reasoning:          reasoning,
		Recurring:          lc.Recurring,
		IntervalMinutes:    lc.IntervalMinutes,
		CycleGoal:          lc.CycleGoal,
		CompletionCriteria: lc.CompletionCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, desc := range stepDescriptions {
		p.Steps = append(p.Steps, PlanStep{
			ID:          uuid.NewString(),
			GoalID:      goalID,
			Order:       i,
			Description: desc,
			Status:      StepPending,
		})
	}
	m.plans[goalID] = p
	m.persistLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicPlanCreated, bus.PlanPayload{PlanID: p.ID, GoalID: goalID, Version: version, Steps: len(p.Steps)})
	slog.Info("plan set", "goal", goalID, "version", version, "steps", len(p.Steps))
	return clonePlan(p), nil
}

// GetCurrentPlan returns the newest plan for the goal.
func (m *Manager) GetCurrentPlan(goalID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[goalID]
	if !ok {
		return nil, ErrNoPlan
	}
	return clonePlan(p), nil
}

// UpdatePlanStep applies a patch to one step. When the patch carries a
// status, the matching step topic is published.
func (m *Manager) UpdatePlanStep(goalID, stepID string, patch StepPatch) error {
	m.mu.Lock()
	p, ok := m.plans[goalID]
	if !ok {
		m.mu.Unlock()
		return ErrNoPlan
	}
	var step *PlanStep
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			step = &p.Steps[i]
			break
		}
	}
	if step == nil {
		m.mu.Unlock()
		return ErrStepNotFound
	}
	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Description != nil {
		step.Description = *patch.Description
	}
	if patch.TaskID != nil {
		step.TaskID = *patch.TaskID
	}
	if patch.Result != nil {
		step.Result = *patch.Result
	}
	if patch.Question != nil {
		step.Question = *patch.Question
	}
	if patch.CompletedAt != nil {
		step.CompletedAt = patch.CompletedAt
	}
	p.UpdatedAt = time.Now()
	agentID := ""
	if g, ok := m.goals[goalID]; ok {
		agentID = g.AgentID
	}
	snapshot := *step
	m.persistLocked()
	m.mu.Unlock()

	if patch.Status != nil {
		payload := bus.StepPayload{
			GoalID:      goalID,
			StepID:      stepID,
			AgentID:     agentID,
			Order:       snapshot.Order,
			Status:      string(snapshot.Status),
			Description: snapshot.Description,
		}
		switch *patch.Status {
		case StepInProgress:
			m.bus.Publish(bus.TopicStepStarted, payload)
		case StepCompleted:
			m.bus.Publish(bus.TopicStepCompleted, payload)
		case StepFailed:
			m.bus.Publish(bus.TopicStepFailed, payload)
		}
	}
	return nil
}

// GetNextPendingStep returns the lowest-order pending step, or nil.
func (m *Manager) GetNextPendingStep(goalID string) *PlanStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[goalID]
	if !ok {
		return nil
	}
	var best *PlanStep
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StepPending {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// GetBlockedStep returns the blocked step, or nil. At most one step may
// be blocked at a time.
func (m *Manager) GetBlockedStep(goalID string) *PlanStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[goalID]
	if !ok {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepBlocked {
			cp := p.Steps[i]
			return &cp
		}
	}
	return nil
}

// ── Triggers ──

// CreateTrigger registers a trigger for a goal.
func (m *Manager) CreateTrigger(agentID, goalID string, typ TriggerType, intervalMs int64, cronExpr string) (*Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[goalID]; !ok {
		return nil, ErrGoalNotFound
	}
	t := &Trigger{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		GoalID:    goalID,
		Type:      typ,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	switch typ {
	case TriggerInterval:
		t.IntervalMs = intervalMs
	case TriggerCron:
		t.CronExpr = cronExpr
	}
	m.triggers[t.ID] = t
	m.persistTriggersLocked()
	return cloneTrigger(t), nil
}

func (m *Manager) GetTrigger(id string) (*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	return cloneTrigger(t), nil
}

// ListTriggers returns all triggers ordered by creation time.
func (m *Manager) ListTriggers() []*Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, cloneTrigger(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TriggersForGoal returns the goal's triggers.
func (m *Manager) TriggersForGoal(goalID string) []*Trigger {
	all := m.ListTriggers()
	out := all[:0]
	for _, t := range all {
		if t.GoalID == goalID {
			out = append(out, t)
		}
	}
	return out
}

// MarkTriggerFired stamps lastFiredAt and nextFireAt.
func (m *Manager) MarkTriggerFired(id string, firedAt, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	t.LastFiredAt = &firedAt
	if nextAt.IsZero() {
		t.NextFireAt = nil
	} else {
		t.NextFireAt = &nextAt
	}
	m.persistTriggersLocked()
	return nil
}

// SetTriggerNextFire records when an armed timer will next fire, without
// touching lastFiredAt.
func (m *Manager) SetTriggerNextFire(id string, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	if nextAt.IsZero() {
		t.NextFireAt = nil
	} else {
		t.NextFireAt = &nextAt
	}
	m.persistTriggersLocked()
	return nil
}

func (m *Manager) DeleteTrigger(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return ErrTriggerNotFound
	}
	delete(m.triggers, id)
	m.persistTriggersLocked()
	return nil
}

// DeleteTriggersForGoal removes the goal's triggers and returns their ids
// so the scheduler can stop the live timers.
func (m *Manager) DeleteTriggersForGoal(goalID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, t := range m.triggers {
		if t.GoalID == goalID {
			delete(m.triggers, id)
			removed = append(removed, id)
		}
	}
	m.persistTriggersLocked()
	return removed
}

// ── internals ──

func (m *Manager) mutateGoal(id string, fn func(*Goal) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return ErrGoalNotFound
	}
	if err := fn(g); err != nil {
		return err
	}
	g.UpdatedAt = time.Now()
	m.persistLocked()
	return nil
}

func (m *Manager) persistLocked() {
	gs := make([]*Goal, 0, len(m.goals))
	for _, g := range m.goals {
		gs = append(gs, cloneGoal(g))
	}
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].CreatedAt.Before(gs[j].CreatedAt)
	})
	ps := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		ps = append(ps, clonePlan(p))
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
	if err := m.store.SaveGoals(gs, ps); err != nil {
		slog.Warn("goals: persist", "error", err)
	}
}

func (m *Manager) persistTriggersLocked() {
	ts := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		ts = append(ts, cloneTrigger(t))
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
	if err := m.store.SaveTriggers(ts); err != nil {
		slog.Warn("goals: persist triggers", "error", err)
	}
}

func cloneGoal(g *Goal) *Goal {
	cp := *g
	cp.Constraints = append([]string(nil), g.Constraints...)
	return &cp
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.Steps = append([]PlanStep(nil), p.Steps...)
	return &cp
}

func cloneTrigger(t *Trigger) *Trigger {
	cp := *t
	return &cp
}
