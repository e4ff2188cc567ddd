// Package bridge composes the agent, task, and session managers behind
// one dispatch surface. It enforces the per-agent single-flight rule:
// one worker execution per agent at a time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/sessions"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

var (
	ErrBusy             = errors.New("agent has an execution in flight")
	ErrNoActiveSession  = errors.New("agent has no active session")
	ErrNothingToApprove = errors.New("agent has no pending permission requests")
)

// DispatchOptions configures one worker dispatch. Auxiliary dispatches
// (reconnaissance) do not count toward the agent's completed-task tally.
type DispatchOptions struct {
	Prompt         string
	WorkingDir     string
	MaxTurns       int
	AdditionalDirs []string
	Auxiliary      bool
}

// execution is the in-flight record for one agent's dispatch.
type execution struct {
	taskID     string
	sessionID  string
	workingDir string
	auxiliary  bool
}

type Bridge struct {
	agents   *agents.Manager
	tasks    *tasks.Manager
	sessions *sessions.Manager
	bus      *bus.EventBus

	mu     sync.Mutex
	active map[string]*execution // agentID → in-flight execution
}

func New(am *agents.Manager, tm *tasks.Manager, sm *sessions.Manager, b *bus.EventBus) *Bridge {
	br := &Bridge{
		agents:   am,
		tasks:    tm,
		sessions: sm,
		bus:      b,
		active:   make(map[string]*execution),
	}
	b.Subscribe(bus.TopicSessionEnded, br.onSessionEnded)
	return br
}

// SweepStaleState resets state left over from a previous run: agents
// persisted as working or thinking go back to idle, and their in_progress
// tasks are failed.
func (br *Bridge) SweepStaleState() {
	for _, a := range br.agents.List() {
		stale := a.State == agents.StateWorking || a.State == agents.StateThinking
		if stale {
			if err := br.agents.UpdateState(a.ID, agents.StateIdle); err != nil {
				slog.Warn("bridge: sweep state", "agent", a.ID, "error", err)
			}
		}
		if a.CurrentTaskID != "" {
			br.agents.UnassignTask(a.ID)
		}
		if !stale {
			// Pending work queued for an idle agent survives a restart.
			continue
		}
		for _, t := range br.tasks.ListForAgent(a.ID) {
			if t.Status == tasks.StatusInProgress {
				if err := br.tasks.Fail(t.ID, "interrupted by restart"); err != nil {
					slog.Warn("bridge: sweep task", "task", t.ID, "error", err)
				}
			}
		}
	}
}

// DispatchWorker starts one worker session for the agent and task. The
// caller is notified of completion via the session_ended topic, matched
// by task id.
func (br *Bridge) DispatchWorker(ctx context.Context, agentID, taskID string, opts DispatchOptions) error {
	agent, err := br.agents.Get(agentID)
	if err != nil {
		return err
	}

	br.mu.Lock()
	if _, busy := br.active[agentID]; busy {
		br.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, agent.Name)
	}
	exec := &execution{taskID: taskID, workingDir: opts.WorkingDir, auxiliary: opts.Auxiliary}
	br.active[agentID] = exec
	br.mu.Unlock()

	fail := func(err error) error {
		br.mu.Lock()
		delete(br.active, agentID)
		br.mu.Unlock()
		if ferr := br.tasks.Fail(taskID, err.Error()); ferr != nil {
			slog.Warn("bridge: fail task", "task", taskID, "error", ferr)
		}
		br.agents.UpdateState(agentID, agents.StateIdle)
		return err
	}

	if err := br.agents.UpdateState(agentID, agents.StateWorking); err != nil {
		return fail(err)
	}
	br.agents.AssignTask(agentID, taskID)
	if err := br.tasks.Start(taskID); err != nil {
		return fail(err)
	}
	if err := br.agents.AddConversation(agentID, "user", opts.Prompt, taskID); err != nil {
		slog.Warn("bridge: record prompt", "agent", agentID, "error", err)
	}

	sessionID, err := br.sessions.StartSession(ctx, agentID, taskID, sessions.StartOptions{
		Prompt:         opts.Prompt,
		WorkingDir:     opts.WorkingDir,
		SystemPrompt:   agent.SystemPrompt,
		AllowedTools:   agent.ApprovedTools,
		MaxTurns:       opts.MaxTurns,
		AdditionalDirs: opts.AdditionalDirs,
	})
	if err != nil {
		return fail(err)
	}

	br.mu.Lock()
	exec.sessionID = sessionID
	br.mu.Unlock()
	return nil
}

// IsBusy reports whether the agent has an execution in flight.
func (br *Bridge) IsBusy(agentID string) bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	_, busy := br.active[agentID]
	return busy
}

// CancelExecution kills the agent's running session; the terminal close
// then flows through the session manager and releases the guard.
func (br *Bridge) CancelExecution(agentID string) error {
	br.mu.Lock()
	exec, ok := br.active[agentID]
	br.mu.Unlock()
	if !ok || exec.sessionID == "" {
		return ErrNoActiveSession
	}
	return br.sessions.StopSession(exec.sessionID)
}

// ApproveToolPermission resolves one pending tool for the agent's waiting
// session, adds it to the approved-tool set, and resumes the session once
// every pending permission is cleared. Returns the canonically-cased tool
// name and whether the session was resumed.
func (br *Bridge) ApproveToolPermission(ctx context.Context, agentID, toolName string) (string, bool, error) {
	session, ok := br.sessions.ActiveForAgent(agentID)
	if !ok {
		return "", false, ErrNoActiveSession
	}
	if session.Status != sessions.StatusWaitingInput {
		return "", false, fmt.Errorf("%w: session is %s", ErrNothingToApprove, session.Status)
	}

	canonical, allApproved, err := br.sessions.ApprovePermission(session.ID, toolName)
	if err != nil {
		return "", false, err
	}
	canonical, err = br.agents.AddApprovedTool(agentID, canonical)
	if err != nil {
		return "", false, err
	}
	if !allApproved {
		return canonical, false, nil
	}

	agent, err := br.agents.Get(agentID)
	if err != nil {
		return canonical, false, err
	}
	br.mu.Lock()
	workingDir := ""
	if exec, ok := br.active[agentID]; ok {
		workingDir = exec.workingDir
	}
	br.mu.Unlock()

	if err := br.sessions.ResumeSession(ctx, session.ID, agent.ApprovedTools, workingDir); err != nil {
		return canonical, false, err
	}
	return canonical, true, nil
}

// DenyToolPermission ends the agent's waiting session; the work done so
// far stands as the result.
func (br *Bridge) DenyToolPermission(agentID string) error {
	session, ok := br.sessions.ActiveForAgent(agentID)
	if !ok {
		return ErrNoActiveSession
	}
	return br.sessions.DenyPermission(session.ID)
}

// onSessionEnded finalizes the execution matching the ended session's
// task: task status, agent counters and memory, then the single-flight
// guard.
func (br *Bridge) onSessionEnded(ev bus.Event) {
	payload, ok := ev.Payload.(bus.SessionEndedPayload)
	if !ok {
		return
	}

	br.mu.Lock()
	exec, ok := br.active[payload.AgentID]
	if !ok || exec.taskID != payload.TaskID {
		br.mu.Unlock()
		return
	}
	delete(br.active, payload.AgentID)
	br.mu.Unlock()

	if payload.Status == string(sessions.StatusCompleted) {
		if err := br.tasks.Complete(payload.TaskID, payload.Result); err != nil {
			slog.Warn("bridge: complete task", "task", payload.TaskID, "error", err)
		}
		if !exec.auxiliary {
			br.agents.IncrementTasksCompleted(payload.AgentID)
		}
	} else {
		errMsg := payload.Error
		if errMsg == "" {
			errMsg = "worker session failed"
		}
		if err := br.tasks.Fail(payload.TaskID, errMsg); err != nil {
			slog.Warn("bridge: fail task", "task", payload.TaskID, "error", err)
		}
	}

	if payload.Result != "" {
		if err := br.agents.AddConversation(payload.AgentID, "assistant", payload.Result, payload.TaskID); err != nil {
			slog.Warn("bridge: record result", "agent", payload.AgentID, "error", err)
		}
	}
	br.agents.UnassignTask(payload.AgentID)
	if err := br.agents.UpdateState(payload.AgentID, agents.StateIdle); err != nil {
		slog.Warn("bridge: reset state", "agent", payload.AgentID, "error", err)
	}
}
