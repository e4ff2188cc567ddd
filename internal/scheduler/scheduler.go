// Package scheduler arms timers for goal triggers and wakes the
// orchestration loop when they fire. Interval triggers get a dedicated
// ticker; cron triggers share one sweep that runs once a minute.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
)

// Waker is the orchestration loop's wake surface.
type Waker interface {
	Wake(ctx context.Context, goalID string) error
	IsGoalActive(goalID string) bool
}

type Scheduler struct {
	goals *goals.Manager
	waker Waker
	bus   *bus.EventBus
	gron  *gronx.Gronx

	// cronSweep is how often due cron expressions are checked.
	cronSweep time.Duration

	mu      sync.Mutex
	stops   map[string]chan struct{} // interval trigger id → timer stop
	done    chan struct{}
	started bool
	wg      sync.WaitGroup
}

func New(gm *goals.Manager, w Waker, b *bus.EventBus) *Scheduler {
	return &Scheduler{
		goals:     gm,
		waker:     w,
		bus:       b,
		gron:      gronx.New(),
		cronSweep: time.Minute,
		stops:     make(map[string]chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start arms timers for every persisted enabled interval trigger and
// begins the cron sweep.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	for _, t := range s.goals.ListTriggers() {
		if t.Type == goals.TriggerInterval && t.Enabled {
			s.armIntervalLocked(t)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.cronLoop()
}

// Stop tears down every timer and waits for in-flight fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	for id, stop := range s.stops {
		close(stop)
		delete(s.stops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// AddInterval creates and arms an interval trigger for the goal.
func (s *Scheduler) AddInterval(agentID, goalID string, every time.Duration) (*goals.Trigger, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", every)
	}
	t, err := s.goals.CreateTrigger(agentID, goalID, goals.TriggerInterval, every.Milliseconds(), "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.started {
		s.armIntervalLocked(t)
	}
	s.mu.Unlock()
	return t, nil
}

// AddCron creates a cron trigger; it fires on the shared minute sweep.
func (s *Scheduler) AddCron(agentID, goalID, expr string) (*goals.Trigger, error) {
	if !s.gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	t, err := s.goals.CreateTrigger(agentID, goalID, goals.TriggerCron, 0, expr)
	if err != nil {
		return nil, err
	}
	if next, err := gronx.NextTick(expr, false); err == nil {
		s.goals.SetTriggerNextFire(t.ID, next)
	}
	return t, nil
}

// AddManual creates a trigger that only fires via FireManual.
func (s *Scheduler) AddManual(agentID, goalID string) (*goals.Trigger, error) {
	return s.goals.CreateTrigger(agentID, goalID, goals.TriggerManual, 0, "")
}

// Remove deletes the trigger and stops its timer.
func (s *Scheduler) Remove(triggerID string) error {
	s.disarm(triggerID)
	return s.goals.DeleteTrigger(triggerID)
}

// RemoveForGoal deletes every trigger of the goal and stops their timers.
func (s *Scheduler) RemoveForGoal(goalID string) {
	for _, id := range s.goals.DeleteTriggersForGoal(goalID) {
		s.disarm(id)
	}
}

// FireManual runs the standard fire path for any trigger, regardless of
// type or schedule.
func (s *Scheduler) FireManual(ctx context.Context, triggerID string) error {
	if _, err := s.goals.GetTrigger(triggerID); err != nil {
		return err
	}
	s.fire(ctx, triggerID)
	return nil
}

// ── timers ──

func (s *Scheduler) armIntervalLocked(t *goals.Trigger) {
	if _, armed := s.stops[t.ID]; armed {
		return
	}
	every := time.Duration(t.IntervalMs) * time.Millisecond
	if every <= 0 {
		slog.Warn("scheduler: interval trigger without interval", "trigger", t.ID)
		return
	}
	stop := make(chan struct{})
	s.stops[t.ID] = stop
	s.goals.SetTriggerNextFire(t.ID, time.Now().Add(every))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.fire(context.Background(), t.ID)
			case <-stop:
				return
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Scheduler) disarm(triggerID string) {
	s.mu.Lock()
	if stop, ok := s.stops[triggerID]; ok {
		close(stop)
		delete(s.stops, triggerID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) cronLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cronSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, t := range s.goals.ListTriggers() {
				if t.Type != goals.TriggerCron || !t.Enabled {
					continue
				}
				due, err := s.gron.IsDue(t.CronExpr)
				if err != nil {
					slog.Warn("scheduler: cron check", "trigger", t.ID, "error", err)
					continue
				}
				if due {
					s.fire(context.Background(), t.ID)
				}
			}
		case <-s.done:
			return
		}
	}
}

// ── firing ──

// fire runs one trigger activation. Missing, disabled, paused, terminal,
// or already-running goals short-circuit before any bookkeeping.
func (s *Scheduler) fire(ctx context.Context, triggerID string) {
	t, err := s.goals.GetTrigger(triggerID)
	if err != nil {
		// The trigger vanished under a live timer; stop it.
		s.disarm(triggerID)
		return
	}
	if !t.Enabled {
		return
	}
	g, err := s.goals.GetGoal(t.GoalID)
	if err != nil {
		slog.Warn("scheduler: trigger for missing goal", "trigger", t.ID, "goal", t.GoalID)
		return
	}
	if g.Status != goals.GoalActive {
		slog.Debug("scheduler: skip fire", "trigger", t.ID, "goal", g.ID, "status", g.Status)
		return
	}
	if s.waker.IsGoalActive(g.ID) {
		return
	}

	now := time.Now()
	var next time.Time
	switch t.Type {
	case goals.TriggerInterval:
		next = now.Add(time.Duration(t.IntervalMs) * time.Millisecond)
	case goals.TriggerCron:
		if n, err := gronx.NextTickAfter(t.CronExpr, now, false); err == nil {
			next = n
		}
	}
	if err := s.goals.MarkTriggerFired(t.ID, now, next); err != nil {
		slog.Warn("scheduler: mark fired", "trigger", t.ID, "error", err)
	}
	s.bus.Publish(bus.TopicTriggerFired, bus.TriggerPayload{
		TriggerID: t.ID,
		GoalID:    g.ID,
		AgentID:   t.AgentID,
		Type:      string(t.Type),
	})
	if err := s.waker.Wake(ctx, g.ID); err != nil {
		slog.Warn("scheduler: wake", "goal", g.ID, "error", err)
	}
}
