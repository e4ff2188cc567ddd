// Package adversary is the orchestration brain: the recon → plan →
// execute → evaluate → refine loop that turns operator goals into worker
// dispatches, consulting the oracle for every judgment call.
package adversary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bridge"
	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/jsonx"
	"github.com/nextlevelbuilder/workfarm/internal/oracle"
	"github.com/nextlevelbuilder/workfarm/internal/prefs"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

var (
	ErrNoBlockedStep = errors.New("goal has no blocked step awaiting a reply")
	ErrGoalNotActive = errors.New("goal is not active")
)

// maxStepAttempts caps dispatches per step: the first attempt plus two
// retries.
const maxStepAttempts = 3

// maxReplans caps how many times a finished plan with failed steps is
// sent back to planning before the goal is declared failed.
const maxReplans = 2

// Config wires the adversary's collaborators.
type Config struct {
	Agents *agents.Manager
	Tasks  *tasks.Manager
	Goals  *goals.Manager
	Prefs  *prefs.Manager
	Bridge *bridge.Bridge
	Oracle oracle.Oracle
	Bus    *bus.EventBus
	Roots  func() []string // workspace roots for prompt context
}

type stepRef struct {
	goalID string
	stepID string
}

type Adversary struct {
	agents *agents.Manager
	tasks  *tasks.Manager
	goals  *goals.Manager
	prefs  *prefs.Manager
	bridge *bridge.Bridge
	oracle oracle.Oracle
	bus    *bus.EventBus
	roots  func() []string

	mu           sync.Mutex
	activeGoals  map[string]bool    // single-flight per goal
	stepTaskMap  map[string]stepRef // taskID → step correlation
	reconTaskMap map[string]string  // taskID → goalID
	reconResults map[string]string  // goalID → recon report
	retryMap     map[string]int     // stepID → retry count
	replanMap    map[string]int     // goalID → re-plans after failed steps
	instructions map[string]string  // stepID → pre-crafted instruction for the next attempt

	// Background preference extractions, awaited on Close.
	bg sync.WaitGroup
}

func New(cfg Config) *Adversary {
	a := &Adversary{
		agents:       cfg.Agents,
		tasks:        cfg.Tasks,
		goals:        cfg.Goals,
		prefs:        cfg.Prefs,
		bridge:       cfg.Bridge,
		oracle:       cfg.Oracle,
		bus:          cfg.Bus,
		roots:        cfg.Roots,
		activeGoals:  make(map[string]bool),
		stepTaskMap:  make(map[string]stepRef),
		reconTaskMap: make(map[string]string),
		reconResults: make(map[string]string),
		retryMap:     make(map[string]int),
		replanMap:    make(map[string]int),
		instructions: make(map[string]string),
	}
	if a.roots == nil {
		a.roots = func() []string { return nil }
	}
	cfg.Bus.Subscribe(bus.TopicSessionEnded, a.onSessionEnded)
	return a
}

// Close waits for in-flight background work.
func (a *Adversary) Close() {
	a.bg.Wait()
}

// Wake drives a goal forward: resume it if paused, then either wait on a
// blocked step, start recon when no pending step exists, or execute the
// next pending step. Busy agents and already-active goals are left alone.
func (a *Adversary) Wake(ctx context.Context, goalID string) error {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		return err
	}
	if g.Status == goals.GoalPaused {
		if err := a.goals.UpdateGoalStatus(goalID, goals.GoalActive); err != nil {
			return err
		}
		g.Status = goals.GoalActive
	}
	if g.Status != goals.GoalActive {
		a.log(g.AgentID, "wake ignored: goal is %s", g.Status)
		return nil
	}

	a.mu.Lock()
	if a.activeGoals[goalID] {
		a.mu.Unlock()
		return nil
	}
	if a.bridge.IsBusy(g.AgentID) {
		a.mu.Unlock()
		a.log(g.AgentID, "wake ignored: agent is busy")
		return nil
	}
	a.activeGoals[goalID] = true
	a.mu.Unlock()

	if blocked := a.goals.GetBlockedStep(goalID); blocked != nil {
		a.log(g.AgentID, "goal waiting on operator reply: %s", blocked.Question)
		return nil
	}
	if next := a.goals.GetNextPendingStep(goalID); next == nil {
		a.startRecon(ctx, g)
		return nil
	}
	a.executeNext(ctx, goalID)
	return nil
}

// Pause flips the goal to paused and drops it from the active set. A
// running step is not preempted; its result is discarded from the loop.
func (a *Adversary) Pause(goalID string) error {
	if err := a.goals.UpdateGoalStatus(goalID, goals.GoalPaused); err != nil {
		return err
	}
	a.deactivate(goalID)
	return nil
}

// Reply answers a blocked step: preference extraction runs in the
// background while the step is rewritten around the answer and
// re-dispatched.
func (a *Adversary) Reply(ctx context.Context, goalID, answer string) error {
	g, err := a.goals.GetGoal(goalID)
	if err != nil {
		return err
	}
	blocked := a.goals.GetBlockedStep(goalID)
	if blocked == nil {
		return ErrNoBlockedStep
	}
	question := blocked.Question

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.extractPreferences(g.AgentID, question, answer)
	}()

	instruction, err := a.oracle.Complete(ctx, "", resumedInstructionPrompt(blocked, question, answer))
	if err != nil || strings.TrimSpace(instruction) == "" {
		// Degraded path: weave the answer in mechanically.
		instruction = fmt.Sprintf("%s\n\nThe operator decided: %s. Proceed accordingly.", blocked.Description, answer)
	}

	status := goals.StepInProgress
	empty := ""
	if err := a.goals.UpdatePlanStep(goalID, blocked.ID, goals.StepPatch{Status: &status, Question: &empty}); err != nil {
		return err
	}

	a.mu.Lock()
	a.activeGoals[goalID] = true
	a.mu.Unlock()

	return a.dispatchStep(ctx, g, blocked, instruction)
}

// Talk is out-of-band Q&A with an agent: context from its active goal and
// plan, no worker involved.
func (a *Adversary) Talk(ctx context.Context, agentID, message, activitySummary string) (string, error) {
	agent, err := a.agents.Get(agentID)
	if err != nil {
		return "", err
	}
	in := talkInput{agentName: agent.Name, summary: activitySummary, message: message}
	if g := a.goals.ActiveGoalForAgent(agentID); g != nil {
		in.goal = g
		if plan, err := a.goals.GetCurrentPlan(g.ID); err == nil {
			in.plan = plan
		}
	}
	return a.oracle.Complete(ctx, "", talkPrompt(in))
}

// IsGoalActive reports whether the goal is in the adversary's active set.
func (a *Adversary) IsGoalActive(goalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeGoals[goalID]
}

// ── recon ──

func (a *Adversary) startRecon(ctx context.Context, g *goals.Goal) {
	agent, err := a.agents.Get(g.AgentID)
	if err != nil {
		a.failGoal(g.ID, g.AgentID, fmt.Sprintf("recon: %v", err))
		return
	}
	task := a.tasks.Create(fmt.Sprintf("recon: %s", g.Description), g.AgentID)

	a.mu.Lock()
	a.reconTaskMap[task.ID] = g.ID
	a.mu.Unlock()

	a.log(g.AgentID, "starting recon for goal %s", g.ID)
	err = a.bridge.DispatchWorker(ctx, g.AgentID, task.ID, bridge.DispatchOptions{
		Prompt:         reconInstruction(agent.Name, g, a.roots()),
		WorkingDir:     g.WorkingDirectory,
		MaxTurns:       g.MaxTurnsPerStep,
		AdditionalDirs: a.roots(),
		Auxiliary:      true,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.reconTaskMap, task.ID)
		a.mu.Unlock()
		a.log(g.AgentID, "recon dispatch failed (%v); planning without a report", err)
		a.planGoal(ctx, g.ID)
	}
}

// ── planning ──

type planResponse struct {
	Reasoning          string `json:"reasoning"`
	Recurring          bool   `json:"recurring"`
	IntervalMinutes    int    `json:"interval_minutes"`
	CycleGoal          string `json:"cycle_goal"`
	CompletionCriteria string `json:"completion_criteria"`
	Steps              []struct {
		Description string `json:"description"`
	} `json:"steps"`
}

func (a *Adversary) planGoal(ctx context.Context, goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil || g.Status != goals.GoalActive {
		a.deactivate(goalID)
		return
	}
	agent, err := a.agents.Get(g.AgentID)
	if err != nil {
		a.failGoal(goalID, g.AgentID, fmt.Sprintf("planning: %v", err))
		return
	}

	a.mu.Lock()
	recon := a.reconResults[goalID]
	a.mu.Unlock()

	var prior []goals.PlanStep
	if plan, err := a.goals.GetCurrentPlan(goalID); err == nil {
		for _, s := range plan.Steps {
			if s.Result != "" {
				prior = append(prior, s)
			}
		}
	}

	prompt := planningPrompt(planningInput{
		goal:        g,
		agentName:   agent.Name,
		roots:       a.roots(),
		reconReport: recon,
		priorSteps:  prior,
		prefContext: a.prefs.BuildPreferenceContext(g.AgentID),
	})
	raw, err := a.oracle.Complete(ctx, "", prompt)
	if err != nil {
		a.failGoal(goalID, g.AgentID, fmt.Sprintf("planning oracle failed: %v", err))
		return
	}

	descriptions, lc, ok := parsePlan(raw)
	if !ok || len(descriptions) == 0 {
		a.failGoal(goalID, g.AgentID, "planner returned no parseable steps")
		return
	}
	if _, err := a.goals.SetPlan(goalID, descriptions, lc.reasoning, lc.lifecycle); err != nil {
		a.failGoal(goalID, g.AgentID, fmt.Sprintf("store plan: %v", err))
		return
	}
	a.log(g.AgentID, "plan ready: %d steps", len(descriptions))
	a.executeNext(ctx, goalID)
}

type parsedLifecycle struct {
	reasoning string
	lifecycle goals.Lifecycle
}

// parsePlan accepts the strict planner object, and degrades to a bare
// array of step descriptions (strings or {description} objects).
func parsePlan(raw string) ([]string, parsedLifecycle, bool) {
	var resp planResponse
	if jsonx.Unmarshal(raw, &resp) && len(resp.Steps) > 0 {
		descs := make([]string, 0, len(resp.Steps))
		for _, s := range resp.Steps {
			if d := strings.TrimSpace(s.Description); d != "" {
				descs = append(descs, d)
			}
		}
		return descs, parsedLifecycle{
			reasoning: resp.Reasoning,
			lifecycle: goals.Lifecycle{
				Recurring:          resp.Recurring,
				IntervalMinutes:    resp.IntervalMinutes,
				CycleGoal:          resp.CycleGoal,
				CompletionCriteria: resp.CompletionCriteria,
			},
		}, len(descs) > 0
	}

	if arr, ok := jsonx.ExtractArray(raw); ok {
		var objs []struct {
			Description string `json:"description"`
		}
		if jsonx.Unmarshal(string(arr), &objs) && len(objs) > 0 && objs[0].Description != "" {
			descs := make([]string, 0, len(objs))
			for _, o := range objs {
				if d := strings.TrimSpace(o.Description); d != "" {
					descs = append(descs, d)
				}
			}
			return descs, parsedLifecycle{}, len(descs) > 0
		}
		var strs []string
		if jsonx.Unmarshal(string(arr), &strs) && len(strs) > 0 {
			descs := make([]string, 0, len(strs))
			for _, s := range strs {
				if s = strings.TrimSpace(s); s != "" {
					descs = append(descs, s)
				}
			}
			return descs, parsedLifecycle{}, len(descs) > 0
		}
	}
	return nil, parsedLifecycle{}, false
}

// ── step execution ──

// executeNext advances the goal: dispatch the lowest pending step, or
// settle the goal when none remain.
func (a *Adversary) executeNext(ctx context.Context, goalID string) {
	g, err := a.goals.GetGoal(goalID)
	if err != nil || g.Status != goals.GoalActive {
		a.deactivate(goalID)
		return
	}

	next := a.goals.GetNextPendingStep(goalID)
	if next == nil {
		a.settleGoal(ctx, goalID, g)
		return
	}

	a.mu.Lock()
	instruction := a.instructions[next.ID]
	delete(a.instructions, next.ID)
	a.mu.Unlock()

	if instruction == "" {
		completed := a.completedSteps(goalID)
		crafted, err := a.oracle.Complete(ctx, "", craftInstructionPrompt(next, completed))
		if err != nil || strings.TrimSpace(crafted) == "" {
			// Degraded path: the raw step description still stands alone.
			crafted = next.Description
		}
		instruction = crafted
	}

	status := goals.StepInProgress
	if err := a.goals.UpdatePlanStep(goalID, next.ID, goals.StepPatch{Status: &status}); err != nil {
		slog.Warn("adversary: mark step in progress", "step", next.ID, "error", err)
		return
	}
	if err := a.dispatchStep(ctx, g, next, instruction); err != nil {
		failed := goals.StepFailed
		result := fmt.Sprintf("dispatch failed: %v", err)
		a.goals.UpdatePlanStep(goalID, next.ID, goals.StepPatch{Status: &failed, Result: &result})
		a.executeNext(ctx, goalID)
	}
}

func (a *Adversary) dispatchStep(ctx context.Context, g *goals.Goal, step *goals.PlanStep, instruction string) error {
	agent, err := a.agents.Get(g.AgentID)
	if err != nil {
		return err
	}
	task := a.tasks.Create(step.Description, g.AgentID)

	a.mu.Lock()
	a.stepTaskMap[task.ID] = stepRef{goalID: g.ID, stepID: step.ID}
	a.mu.Unlock()

	taskID := task.ID
	if err := a.goals.UpdatePlanStep(g.ID, step.ID, goals.StepPatch{TaskID: &taskID}); err != nil {
		slog.Warn("adversary: tag step task", "step", step.ID, "error", err)
	}

	prompt := workerPrompt(workerPromptInput{
		agentName:   agent.Name,
		goal:        g,
		instruction: instruction,
		completed:   a.completedSteps(g.ID),
		roots:       a.roots(),
		prefContext: a.prefs.BuildPreferenceContext(g.AgentID),
	})
	err = a.bridge.DispatchWorker(ctx, g.AgentID, task.ID, bridge.DispatchOptions{
		Prompt:         prompt,
		WorkingDir:     g.WorkingDirectory,
		MaxTurns:       g.MaxTurnsPerStep,
		AdditionalDirs: a.roots(),
	})
	if err != nil {
		a.mu.Lock()
		delete(a.stepTaskMap, task.ID)
		a.mu.Unlock()
	}
	return err
}

// ── session_ended routing ──

func (a *Adversary) onSessionEnded(ev bus.Event) {
	payload, ok := ev.Payload.(bus.SessionEndedPayload)
	if !ok || payload.TaskID == "" {
		return
	}
	ctx := context.Background()

	a.mu.Lock()
	if goalID, ok := a.reconTaskMap[payload.TaskID]; ok {
		delete(a.reconTaskMap, payload.TaskID)
		a.mu.Unlock()
		a.onReconEnded(ctx, goalID, payload)
		return
	}
	ref, ok := a.stepTaskMap[payload.TaskID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.stepTaskMap, payload.TaskID)
	a.mu.Unlock()

	a.evaluateStep(ctx, ref, payload)
}

func (a *Adversary) onReconEnded(ctx context.Context, goalID string, payload bus.SessionEndedPayload) {
	if payload.Status == "completed" && payload.Result != "" {
		a.mu.Lock()
		a.reconResults[goalID] = payload.Result
		a.mu.Unlock()
	} else {
		a.log(payload.AgentID, "recon failed; planning without a report")
	}
	a.planGoal(ctx, goalID)
}

// ── evaluation ──

type verdictResponse struct {
	Verdict            string `json:"verdict"`
	Reasoning          string `json:"reasoning"`
	RefinedInstruction string `json:"refined_instruction"`
	EscalationQuestion string `json:"escalation_question"`
}

func (a *Adversary) evaluateStep(ctx context.Context, ref stepRef, payload bus.SessionEndedPayload) {
	g, err := a.goals.GetGoal(ref.goalID)
	if err != nil {
		return
	}
	step := a.findStep(ref.goalID, ref.stepID)
	if step == nil {
		return
	}
	result := payload.Result

	if payload.Status != "completed" {
		a.failStep(ctx, ref, result, payload.Error)
		return
	}

	if question := trailingQuestion(result); question != "" {
		a.autoAnswerOrEscalate(ctx, g, step, question)
		return
	}

	for _, key := range prefs.UsageMarkers(result) {
		a.prefs.IncrementUsage(g.AgentID, key)
	}

	raw, err := a.oracle.Complete(ctx, "", evaluationPrompt(step, g, result))
	var verdict verdictResponse
	if err != nil || !jsonx.Unmarshal(raw, &verdict) {
		// An unreachable evaluator must not stall the goal; accept the
		// worker's word.
		a.log(g.AgentID, "evaluator unavailable; accepting step result")
		verdict = verdictResponse{Verdict: "PASS"}
	}

	switch strings.ToUpper(verdict.Verdict) {
	case "PASS":
		a.passStep(ctx, ref, g, result)
	case "RETRY":
		a.mu.Lock()
		attempts := a.retryMap[ref.stepID]
		a.mu.Unlock()
		if attempts < maxStepAttempts-1 {
			a.retryStep(ctx, ref, verdict.RefinedInstruction)
			return
		}
		question := verdict.EscalationQuestion
		if question == "" {
			question = fmt.Sprintf("Step %q keeps failing evaluation: %s. How should I proceed?", step.Description, verdict.Reasoning)
		}
		a.autoAnswerOrEscalate(ctx, g, step, question)
	case "ESCALATE":
		question := verdict.EscalationQuestion
		if question == "" {
			question = fmt.Sprintf("Step %q needs a decision: %s", step.Description, verdict.Reasoning)
		}
		a.autoAnswerOrEscalate(ctx, g, step, question)
	default:
		a.log(g.AgentID, "evaluator verdict %q unrecognized; accepting step result", verdict.Verdict)
		a.passStep(ctx, ref, g, result)
	}
}

func (a *Adversary) passStep(ctx context.Context, ref stepRef, g *goals.Goal, result string) {
	done := goals.StepCompleted
	now := time.Now()
	if err := a.goals.UpdatePlanStep(ref.goalID, ref.stepID, goals.StepPatch{
		Status: &done, Result: &result, CompletedAt: &now,
	}); err != nil {
		slog.Warn("adversary: complete step", "step", ref.stepID, "error", err)
	}
	a.mu.Lock()
	delete(a.retryMap, ref.stepID)
	a.mu.Unlock()

	a.refinePlan(ctx, g)
	a.executeNext(ctx, ref.goalID)
}

func (a *Adversary) failStep(ctx context.Context, ref stepRef, result, errMsg string) {
	failed := goals.StepFailed
	if result == "" {
		result = errMsg
	}
	if err := a.goals.UpdatePlanStep(ref.goalID, ref.stepID, goals.StepPatch{Status: &failed, Result: &result}); err != nil {
		slog.Warn("adversary: fail step", "step", ref.stepID, "error", err)
	}
	a.executeNext(ctx, ref.goalID)
}

func (a *Adversary) retryStep(ctx context.Context, ref stepRef, refined string) {
	a.mu.Lock()
	a.retryMap[ref.stepID]++
	if refined != "" {
		a.instructions[ref.stepID] = refined
	}
	attempt := a.retryMap[ref.stepID]
	a.mu.Unlock()

	pending := goals.StepPending
	if err := a.goals.UpdatePlanStep(ref.goalID, ref.stepID, goals.StepPatch{Status: &pending}); err != nil {
		slog.Warn("adversary: reset step", "step", ref.stepID, "error", err)
		return
	}
	if g, err := a.goals.GetGoal(ref.goalID); err == nil {
		a.log(g.AgentID, "retrying step (attempt %d)", attempt+1)
	}
	a.executeNext(ctx, ref.goalID)
}

// ── auto-answer or escalate ──

type autoAnswerResponse struct {
	CanAnswer bool   `json:"can_answer"`
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
}

func (a *Adversary) autoAnswerOrEscalate(ctx context.Context, g *goals.Goal, step *goals.PlanStep, question string) {
	a.mu.Lock()
	recon := a.reconResults[g.ID]
	a.mu.Unlock()

	raw, err := a.oracle.Complete(ctx, "", autoAnswerPrompt(g, question, recon, a.prefs.BuildPreferenceContext(g.AgentID)))
	var resp autoAnswerResponse
	if err == nil && jsonx.Unmarshal(raw, &resp) && resp.CanAnswer && strings.TrimSpace(resp.Answer) != "" {
		a.log(g.AgentID, "answered worker question without the operator")
		instruction, err := a.oracle.Complete(ctx, "", resumedInstructionPrompt(step, question, resp.Answer))
		if err != nil || strings.TrimSpace(instruction) == "" {
			instruction = fmt.Sprintf("%s\n\nDecision: %s. Proceed accordingly.", step.Description, resp.Answer)
		}
		status := goals.StepInProgress
		if err := a.goals.UpdatePlanStep(g.ID, step.ID, goals.StepPatch{Status: &status}); err != nil {
			slog.Warn("adversary: resume step", "step", step.ID, "error", err)
			return
		}
		if err := a.dispatchStep(ctx, g, step, instruction); err != nil {
			a.failStep(ctx, stepRef{goalID: g.ID, stepID: step.ID}, "", err.Error())
		}
		return
	}

	blocked := goals.StepBlocked
	if err := a.goals.UpdatePlanStep(g.ID, step.ID, goals.StepPatch{Status: &blocked, Question: &question}); err != nil {
		slog.Warn("adversary: block step", "step", step.ID, "error", err)
		return
	}
	a.bus.Publish(bus.TopicQuestionRaised, bus.QuestionPayload{
		GoalID: g.ID, StepID: step.ID, AgentID: g.AgentID, Question: question,
	})
}

// ── refinement ──

type refinementResponse struct {
	NeedsRefinement bool   `json:"needs_refinement"`
	Reasoning       string `json:"reasoning"`
	RefinedSteps    []struct {
		Order       int    `json:"order"`
		Description string `json:"description"`
	} `json:"refined_steps"`
}

func (a *Adversary) refinePlan(ctx context.Context, g *goals.Goal) {
	plan, err := a.goals.GetCurrentPlan(g.ID)
	if err != nil {
		return
	}
	var completed, pending []goals.PlanStep
	for _, s := range plan.Steps {
		switch s.Status {
		case goals.StepCompleted:
			completed = append(completed, s)
		case goals.StepPending:
			pending = append(pending, s)
		}
	}
	if len(completed) == 0 || len(pending) == 0 {
		return
	}

	raw, err := a.oracle.Complete(ctx, "", refinementPrompt(g, completed, pending))
	var resp refinementResponse
	if err != nil || !jsonx.Unmarshal(raw, &resp) || !resp.NeedsRefinement {
		return
	}

	byOrder := make(map[int]goals.PlanStep, len(pending))
	for _, s := range pending {
		byOrder[s.Order] = s
	}
	for _, r := range resp.RefinedSteps {
		step, ok := byOrder[r.Order]
		if !ok {
			continue
		}
		if r.Description == "SKIP" {
			skipped := goals.StepSkipped
			a.goals.UpdatePlanStep(g.ID, step.ID, goals.StepPatch{Status: &skipped})
			continue
		}
		if desc := strings.TrimSpace(r.Description); desc != "" && desc != step.Description {
			a.goals.UpdatePlanStep(g.ID, step.ID, goals.StepPatch{Description: &desc})
		}
	}
}

// ── goal settlement ──

// settleGoal decides what finishing a plan means: a plan with failed
// steps re-enters planning carrying forward prior results (capped at
// maxReplans rounds), recurring plans keep the goal active for the next
// trigger, and clean plans complete the goal.
func (a *Adversary) settleGoal(ctx context.Context, goalID string, g *goals.Goal) {
	plan, err := a.goals.GetCurrentPlan(goalID)
	if err != nil {
		a.failGoal(goalID, g.AgentID, "goal has no plan and no pending work")
		return
	}
	var failed int
	for _, s := range plan.Steps {
		switch s.Status {
		case goals.StepFailed:
			failed++
		case goals.StepBlocked, goals.StepInProgress:
			// Still in flight; not ours to settle.
			a.deactivate(goalID)
			return
		}
	}
	if failed > 0 {
		a.mu.Lock()
		replans := a.replanMap[goalID]
		a.replanMap[goalID] = replans + 1
		a.mu.Unlock()
		if replans >= maxReplans {
			a.failGoal(goalID, g.AgentID, fmt.Sprintf("%d step(s) still failing after %d re-plans", failed, replans))
			return
		}
		a.log(g.AgentID, "%d step(s) failed; re-planning with prior results", failed)
		a.planGoal(ctx, goalID)
		return
	}

	defer a.deactivate(goalID)
	a.mu.Lock()
	delete(a.replanMap, goalID)
	a.mu.Unlock()

	if plan.Recurring {
		a.mu.Lock()
		delete(a.reconResults, goalID)
		a.mu.Unlock()
		a.log(g.AgentID, "recurring plan finished; goal stays active for the next trigger")
		return
	}
	if err := a.goals.UpdateGoalStatus(goalID, goals.GoalCompleted); err != nil {
		slog.Warn("adversary: complete goal", "goal", goalID, "error", err)
	}
	a.log(g.AgentID, "goal completed")
}

func (a *Adversary) failGoal(goalID, agentID, reason string) {
	a.log(agentID, "goal failed: %s", reason)
	if err := a.goals.UpdateGoalStatus(goalID, goals.GoalFailed); err != nil {
		slog.Warn("adversary: fail goal", "goal", goalID, "error", err)
	}
	a.mu.Lock()
	delete(a.replanMap, goalID)
	a.mu.Unlock()
	a.deactivate(goalID)
}

// ── preference extraction ──

// extractPreferences mines an operator reply for durable preferences.
// Fire-and-forget: failures are surfaced on the bus, never to the caller.
func (a *Adversary) extractPreferences(agentID, question, answer string) {
	prompt := a.prefs.BuildExtractionPrompt(agentID, answer, question, "operator reply to a blocked step")
	raw, err := a.oracle.Complete(context.Background(), "", prompt)
	if err != nil {
		a.log(agentID, "preference extraction failed: %v", err)
		return
	}
	n, err := a.prefs.ParseAndStoreExtraction(agentID, raw, "reply")
	if err != nil {
		a.log(agentID, "preference extraction unparseable: %v", err)
		return
	}
	if n > 0 {
		a.log(agentID, "learned %d preference(s) from reply", n)
	}
}

// ── helpers ──

func (a *Adversary) completedSteps(goalID string) []goals.PlanStep {
	plan, err := a.goals.GetCurrentPlan(goalID)
	if err != nil {
		return nil
	}
	var out []goals.PlanStep
	for _, s := range plan.Steps {
		if s.Status == goals.StepCompleted {
			out = append(out, s)
		}
	}
	return out
}

func (a *Adversary) findStep(goalID, stepID string) *goals.PlanStep {
	plan, err := a.goals.GetCurrentPlan(goalID)
	if err != nil {
		return nil
	}
	for i := range plan.Steps {
		if plan.Steps[i].ID == stepID {
			return &plan.Steps[i]
		}
	}
	return nil
}

func (a *Adversary) deactivate(goalID string) {
	a.mu.Lock()
	delete(a.activeGoals, goalID)
	a.mu.Unlock()
}

func (a *Adversary) log(agentID, format string, args ...any) {
	a.bus.Publish(bus.TopicLog, bus.LogPayload{
		AgentID: agentID,
		Level:   "info",
		Message: fmt.Sprintf(format, args...),
	})
}
