package adversary

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/bridge"
	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/prefs"
	"github.com/nextlevelbuilder/workfarm/internal/runtime"
	"github.com/nextlevelbuilder/workfarm/internal/sessions"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

// ── in-memory stores ──

type memStores struct {
	agents   []*agents.Agent
	memory   map[string][]agents.Conversation
	tasks    []*tasks.Task
	goals    []*goals.Goal
	plans    []*goals.Plan
	triggers []*goals.Trigger
	prefs    map[string][]*prefs.Preference
}

func newMemStores() *memStores {
	return &memStores{
		memory: make(map[string][]agents.Conversation),
		prefs:  make(map[string][]*prefs.Preference),
	}
}

func (s *memStores) LoadAgents() ([]*agents.Agent, error) { return s.agents, nil }
func (s *memStores) SaveAgents(a []*agents.Agent) error   { s.agents = a; return nil }
func (s *memStores) LoadMemory(id string) ([]agents.Conversation, error) {
	return s.memory[id], nil
}
func (s *memStores) SaveMemory(id string, c []agents.Conversation) error {
	s.memory[id] = c
	return nil
}
func (s *memStores) DeleteMemory(id string) error          { delete(s.memory, id); return nil }
func (s *memStores) LoadTasks() ([]*tasks.Task, error)     { return s.tasks, nil }
func (s *memStores) SaveTasks(t []*tasks.Task) error       { s.tasks = t; return nil }
func (s *memStores) LoadGoals() ([]*goals.Goal, []*goals.Plan, error) {
	return s.goals, s.plans, nil
}
func (s *memStores) SaveGoals(g []*goals.Goal, p []*goals.Plan) error {
	s.goals, s.plans = g, p
	return nil
}
func (s *memStores) LoadTriggers() ([]*goals.Trigger, error) { return s.triggers, nil }
func (s *memStores) SaveTriggers(t []*goals.Trigger) error   { s.triggers = t; return nil }
func (s *memStores) LoadPreferences(id string) ([]*prefs.Preference, error) {
	return s.prefs[id], nil
}
func (s *memStores) SavePreferences(id string, p []*prefs.Preference) error {
	s.prefs[id] = p
	return nil
}
func (s *memStores) DeletePreferences(id string) error { delete(s.prefs, id); return nil }

// ── scripted oracle ──

// oracleRule answers prompts containing match with successive responses;
// the last response repeats.
type oracleRule struct {
	match     string
	responses []string
	idx       int
}

type scriptOracle struct {
	mu    sync.Mutex
	rules []*oracleRule
	calls []string
}

func (o *scriptOracle) on(match string, responses ...string) *scriptOracle {
	o.rules = append(o.rules, &oracleRule{match: match, responses: responses})
	return o
}

func (o *scriptOracle) Complete(_ context.Context, _, prompt string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, prompt)
	for _, r := range o.rules {
		if strings.Contains(prompt, r.match) {
			resp := r.responses[min(r.idx, len(r.responses)-1)]
			r.idx++
			return resp, nil
		}
	}
	return "", nil
}

// Prompt markers for oracle routing.
const (
	promptPlan    = "Create an execution plan"
	promptCraft   = "Write a self-contained instruction"
	promptEval    = "Evaluate a worker's step result"
	promptRefine  = "A step just completed"
	promptAnswer  = "A worker is stuck on a question"
	promptResume  = "A worker asked a question mid-step"
	promptExtract = "Analyze this exchange"
)

// ── worker runner fake ──

type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]runtime.Handler
	starts   []runtime.SpawnOptions
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]runtime.Handler)}
}

func (r *fakeRunner) Start(_ context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, opts)
	r.handlers[opts.SessionID] = h
	return nil
}

func (r *fakeRunner) Resume(ctx context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	return r.Start(ctx, opts, h)
}

func (r *fakeRunner) Kill(string) error { return nil }

// ── fixture ──

type fixture struct {
	adversary *Adversary
	agents    *agents.Manager
	tasks     *tasks.Manager
	goals     *goals.Manager
	prefs     *prefs.Manager
	sessions  *sessions.Manager
	runner    *fakeRunner
	bus       *bus.EventBus
	agent     *agents.Agent
}

func newFixture(t *testing.T, o *scriptOracle) *fixture {
	t.Helper()
	st := newMemStores()
	b := bus.New()
	am, err := agents.NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}
	tm, err := tasks.NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}
	gm, err := goals.NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}
	pm := prefs.NewManager(st)
	runner := newFakeRunner()
	sm := sessions.NewManager(runner, b)
	br := bridge.New(am, tm, sm, b)
	adv := New(Config{
		Agents: am, Tasks: tm, Goals: gm, Prefs: pm,
		Bridge: br, Oracle: o, Bus: b,
		Roots: func() []string { return []string{"/srv/projects"} },
	})

	agent, err := am.Hire("Sam")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		adversary: adv, agents: am, tasks: tm, goals: gm, prefs: pm,
		sessions: sm, runner: runner, bus: b, agent: agent,
	}
}

// workerFinishes feeds the agent's live session an assistant message and
// a clean close, as if the subprocess ran to completion.
func (f *fixture) workerFinishes(t *testing.T, result string) {
	t.Helper()
	s, ok := f.sessions.ActiveForAgent(f.agent.ID)
	if !ok {
		t.Fatal("no live session to finish")
	}
	f.runner.mu.Lock()
	h := f.runner.handlers[s.ID]
	f.runner.mu.Unlock()
	h(runtime.Event{Type: "assistant", Message: &runtime.Message{Content: runtime.MessageContent{Text: result}}})
	h(runtime.Event{Type: "result", Subtype: "success"})
}

// workerErrors ends the agent's live session as a subprocess failure.
func (f *fixture) workerErrors(t *testing.T) {
	t.Helper()
	s, ok := f.sessions.ActiveForAgent(f.agent.ID)
	if !ok {
		t.Fatal("no live session to fail")
	}
	f.runner.mu.Lock()
	h := f.runner.handlers[s.ID]
	f.runner.mu.Unlock()
	h(runtime.Event{Type: "result", Subtype: "error", ExitCode: 1})
}

func planJSON(steps ...string) string {
	type step struct {
		Description string `json:"description"`
	}
	resp := struct {
		Reasoning string `json:"reasoning"`
		Steps     []step `json:"steps"`
	}{Reasoning: "because"}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, step{Description: s})
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestHappyPathGoalCompletes(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("profile", "fix N+1")).
		on(promptCraft, "crafted instruction").
		on(promptEval, `{"verdict":"PASS","reasoning":"good"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "optimize queries", "/w", 10)

	if err := f.adversary.Wake(context.Background(), g.ID); err != nil {
		t.Fatal(err)
	}
	if !f.adversary.IsGoalActive(g.ID) {
		t.Fatal("goal not active after wake")
	}

	// Recon worker reports back, which triggers planning and step one.
	f.workerFinishes(t, "report\n<recon_summary>\nLANGUAGE: Go\n</recon_summary>")
	plan, err := f.goals.GetCurrentPlan(g.ID)
	if err != nil || plan.Version != 1 || len(plan.Steps) != 2 {
		t.Fatalf("plan = %+v, %v", plan, err)
	}
	if plan.Steps[0].Status != goals.StepInProgress {
		t.Fatalf("step 0 = %s", plan.Steps[0].Status)
	}

	f.workerFinishes(t, "profiled")
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepCompleted || plan.Steps[0].Result != "profiled" {
		t.Fatalf("step 0 = %+v", plan.Steps[0])
	}
	if plan.Steps[1].Status != goals.StepInProgress {
		t.Fatalf("step 1 = %s", plan.Steps[1].Status)
	}

	f.workerFinishes(t, "patched")
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[1].Status != goals.StepCompleted {
		t.Fatalf("step 1 = %+v", plan.Steps[1])
	}

	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalCompleted {
		t.Errorf("goal = %s", got.Status)
	}
	a, _ := f.agents.Get(f.agent.ID)
	if a.TasksCompleted != 2 {
		t.Errorf("tasksCompleted = %d, want 2 (recon excluded)", a.TasksCompleted)
	}
	if a.State != agents.StateIdle {
		t.Errorf("state = %s", a.State)
	}
	if f.adversary.IsGoalActive(g.ID) {
		t.Error("goal still active after completion")
	}
}

func TestRetryThenPass(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("fix the bug")).
		on(promptCraft, "crafted instruction").
		on(promptEval,
			`{"verdict":"RETRY","reasoning":"weak","refined_instruction":"re-check file X"}`,
			`{"verdict":"PASS","reasoning":"good"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "fix it", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon done")

	f.workerFinishes(t, "unsatisfactory attempt")
	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepInProgress {
		t.Fatalf("step not re-dispatched: %s", plan.Steps[0].Status)
	}
	// The re-attempt carries the evaluator's refined instruction.
	lastStart := f.runner.starts[len(f.runner.starts)-1]
	if !strings.Contains(lastStart.Prompt, "re-check file X") {
		t.Errorf("retry prompt missing refined instruction:\n%s", lastStart.Prompt)
	}

	f.workerFinishes(t, "fixed for real")
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepCompleted {
		t.Fatalf("step = %+v", plan.Steps[0])
	}
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalCompleted {
		t.Errorf("goal = %s", got.Status)
	}

	// One recon task plus exactly two dispatches for the same step.
	stepTasks := 0
	for _, task := range f.tasks.ListForAgent(f.agent.ID) {
		if task.Description == "fix the bug" {
			stepTasks++
		}
	}
	if stepTasks != 2 {
		t.Errorf("step tasks = %d, want 2", stepTasks)
	}
}

func TestRetriesExhaustedEscalates(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("stubborn step")).
		on(promptCraft, "crafted").
		on(promptEval, `{"verdict":"RETRY","reasoning":"still wrong","escalation_question":"give up?"}`).
		on(promptAnswer, `{"can_answer":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "hard goal", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")

	// Three attempts, all judged RETRY; the third exhausts the cap.
	f.workerFinishes(t, "attempt 1")
	f.workerFinishes(t, "attempt 2")
	f.workerFinishes(t, "attempt 3")

	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepBlocked {
		t.Fatalf("step = %s, want blocked", plan.Steps[0].Status)
	}
	if plan.Steps[0].Question != "give up?" {
		t.Errorf("question = %q", plan.Steps[0].Question)
	}
}

func TestNeedsInputEscalation(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("pick a database")).
		on(promptCraft, "crafted").
		on(promptAnswer, `{"can_answer":false,"reasoning":"not my call"}`).
		on(promptResume, "Set up the schema using Postgres as the driver.").
		on(promptExtract, `{"preferences":[{"category":"tooling","key":"db_driver","value":"Postgres","confidence":"explicit"}]}`).
		on(promptEval, `{"verdict":"PASS"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "set up storage", "/w", 10)

	var questions []bus.QuestionPayload
	f.bus.Subscribe(bus.TopicQuestionRaised, func(ev bus.Event) {
		questions = append(questions, ev.Payload.(bus.QuestionPayload))
	})

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")
	f.workerFinishes(t, "I started but...\n[NEEDS_INPUT]: Which DB driver?")

	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepBlocked || plan.Steps[0].Question != "Which DB driver?" {
		t.Fatalf("step = %+v", plan.Steps[0])
	}
	if len(questions) != 1 || questions[0].Question != "Which DB driver?" {
		t.Fatalf("questions = %+v", questions)
	}

	if err := f.adversary.Reply(context.Background(), g.ID, "Postgres"); err != nil {
		t.Fatal(err)
	}
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepInProgress || plan.Steps[0].Question != "" {
		t.Fatalf("step after reply = %+v", plan.Steps[0])
	}
	// The rewritten instruction carries the operator's answer verbatim.
	lastStart := f.runner.starts[len(f.runner.starts)-1]
	if !strings.Contains(lastStart.Prompt, "Postgres") {
		t.Errorf("resumed prompt missing answer:\n%s", lastStart.Prompt)
	}

	// The background extraction stored the preference.
	f.adversary.Close()
	p, err := f.prefs.Get(f.agent.ID, "db_driver")
	if err != nil || p.Value != "Postgres" || p.Confidence != prefs.ConfidenceExplicit {
		t.Errorf("pref = %+v, %v", p, err)
	}

	f.workerFinishes(t, "schema ready")
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalCompleted {
		t.Errorf("goal = %s", got.Status)
	}
}

func TestAutoAnswerSkipsOperator(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("configure storage")).
		on(promptCraft, "crafted").
		on(promptAnswer, `{"can_answer":true,"answer":"use sqlite","reasoning":"constraint says so"}`).
		on(promptResume, "Configure storage with sqlite.").
		on(promptEval, `{"verdict":"PASS"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "storage", "/w", 10)

	var questions int
	f.bus.Subscribe(bus.TopicQuestionRaised, func(bus.Event) { questions++ })

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")
	f.workerFinishes(t, "[NEEDS_INPUT]: Which engine?")

	if questions != 0 {
		t.Error("operator was bothered despite auto-answer")
	}
	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepInProgress {
		t.Fatalf("step = %s", plan.Steps[0].Status)
	}
	lastStart := f.runner.starts[len(f.runner.starts)-1]
	if !strings.Contains(lastStart.Prompt, "sqlite") {
		t.Errorf("prompt missing auto answer:\n%s", lastStart.Prompt)
	}
}

func TestRefinementRewritesAndSkips(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("survey", "apply fix", "verify fix")).
		on(promptCraft, "crafted").
		on(promptEval, `{"verdict":"PASS"}`).
		on(promptRefine,
			`{"needs_refinement":true,"reasoning":"learned a lot","refined_steps":[
				{"order":1,"description":"apply the one-line fix in db.go"},
				{"order":2,"description":"SKIP"}]}`,
			`{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "fix perf", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")
	f.workerFinishes(t, "survey complete")

	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[1].Description != "apply the one-line fix in db.go" {
		t.Errorf("step 1 = %q", plan.Steps[1].Description)
	}
	if plan.Steps[2].Status != goals.StepSkipped {
		t.Errorf("step 2 = %s", plan.Steps[2].Status)
	}
	if plan.Steps[1].Status != goals.StepInProgress {
		t.Fatalf("step 1 not dispatched: %s", plan.Steps[1].Status)
	}

	f.workerFinishes(t, "fix applied")
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalCompleted {
		t.Errorf("goal = %s", got.Status)
	}
}

func TestUnparseablePlanFailsGoal(t *testing.T) {
	o := (&scriptOracle{}).on(promptPlan, "I would rather not produce JSON today.")
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "doomed", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")

	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalFailed {
		t.Errorf("goal = %s", got.Status)
	}
	if f.adversary.IsGoalActive(g.ID) {
		t.Error("failed goal still active")
	}
}

func TestBarePlanArrayAccepted(t *testing.T) {
	for _, raw := range []string{
		`["step one", "step two"]`,
		`Here is the plan:` + "\n```json\n" + `[{"description":"step one"},{"description":"step two"}]` + "\n```",
	} {
		descs, _, ok := parsePlan(raw)
		if !ok || len(descs) != 2 || descs[0] != "step one" {
			t.Errorf("parsePlan(%q) = %v, %v", raw, descs, ok)
		}
	}
}

func TestWakeIgnoresBusyAndActive(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("only step")).
		on(promptCraft, "crafted")
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "goal", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	startsBefore := len(f.runner.starts)

	// Goal is active and the agent busy with recon; wake is a no-op.
	if err := f.adversary.Wake(context.Background(), g.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.starts) != startsBefore {
		t.Error("second wake dispatched work")
	}
}

func TestPauseAndResume(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("s1", "s2")).
		on(promptCraft, "crafted").
		on(promptEval, `{"verdict":"PASS"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "goal", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")

	if err := f.adversary.Pause(g.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalPaused || f.adversary.IsGoalActive(g.ID) {
		t.Fatalf("goal = %s, active = %v", got.Status, f.adversary.IsGoalActive(g.ID))
	}

	// The running step finishes while paused; no new dispatch happens.
	f.workerFinishes(t, "s1 done")
	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[1].Status != goals.StepPending {
		t.Fatalf("step 1 = %s, want pending while paused", plan.Steps[1].Status)
	}

	// Wake resumes from paused and picks up the next pending step.
	if err := f.adversary.Wake(context.Background(), g.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalActive {
		t.Fatalf("goal = %s", got.Status)
	}
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[1].Status != goals.StepInProgress {
		t.Errorf("step 1 = %s", plan.Steps[1].Status)
	}
}

func TestTalkUsesGoalContext(t *testing.T) {
	o := (&scriptOracle{}).
		on("chatting with your operator", "Going well, thanks for asking.")
	f := newFixture(t, o)
	f.goals.CreateGoal(f.agent.ID, "polish the docs", "/w", 10)

	reply, err := f.adversary.Talk(context.Background(), f.agent.ID, "how is it going?", "")
	if err != nil || reply != "Going well, thanks for asking." {
		t.Fatalf("talk = %q, %v", reply, err)
	}
	last := o.calls[len(o.calls)-1]
	if !strings.Contains(last, "polish the docs") {
		t.Errorf("talk prompt missing goal context:\n%s", last)
	}
}

func TestReplyWithoutBlockedStep(t *testing.T) {
	o := &scriptOracle{}
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "goal", "/w", 10)

	if err := f.adversary.Reply(context.Background(), g.ID, "answer"); err != ErrNoBlockedStep {
		t.Errorf("err = %v, want ErrNoBlockedStep", err)
	}
}

func TestStepFailureTriggersReplan(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan,
			planJSON("will fail", "will run"),
			planJSON("redo the failed part")).
		on(promptCraft, "crafted").
		on(promptEval, `{"verdict":"PASS"}`).
		on(promptRefine, `{"needs_refinement":false}`)
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "goal", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")

	// First step's session errors out; the step fails and the loop moves on.
	f.workerErrors(t)
	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Steps[0].Status != goals.StepFailed {
		t.Fatalf("step 0 = %s", plan.Steps[0].Status)
	}
	if plan.Steps[1].Status != goals.StepInProgress {
		t.Fatalf("step 1 = %s", plan.Steps[1].Status)
	}

	// Finishing the plan with a failed step re-enters planning instead of
	// failing the goal; the new plan carries the earlier results forward.
	f.workerFinishes(t, "second step done")
	plan, _ = f.goals.GetCurrentPlan(g.ID)
	if plan.Version != 2 || plan.Steps[0].Description != "redo the failed part" {
		t.Fatalf("plan after failure = v%d %+v", plan.Version, plan.Steps)
	}
	if plan.Steps[0].Status != goals.StepInProgress {
		t.Fatalf("replanned step = %s", plan.Steps[0].Status)
	}
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalActive {
		t.Fatalf("goal = %s, want active while re-planning", got.Status)
	}
	var replanPrompt string
	for _, c := range o.calls {
		if strings.Contains(c, promptPlan) && strings.Contains(c, "Results from the previous plan") {
			replanPrompt = c
		}
	}
	if !strings.Contains(replanPrompt, "second step done") {
		t.Errorf("re-plan prompt missing prior results:\n%s", replanPrompt)
	}

	f.workerFinishes(t, "redone cleanly")
	got, _ = f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalCompleted {
		t.Errorf("goal = %s", got.Status)
	}
}

func TestReplansExhaustedFailGoal(t *testing.T) {
	o := (&scriptOracle{}).
		on(promptPlan, planJSON("flaky step")).
		on(promptCraft, "crafted")
	f := newFixture(t, o)
	g := f.goals.CreateGoal(f.agent.ID, "goal", "/w", 10)

	f.adversary.Wake(context.Background(), g.ID)
	f.workerFinishes(t, "recon")

	// The initial plan plus two re-plans, each failing its only step.
	f.workerErrors(t)
	f.workerErrors(t)
	f.workerErrors(t)

	plan, _ := f.goals.GetCurrentPlan(g.ID)
	if plan.Version != 3 {
		t.Errorf("plan version = %d, want 3", plan.Version)
	}
	got, _ := f.goals.GetGoal(g.ID)
	if got.Status != goals.GoalFailed {
		t.Errorf("goal = %s, want failed once re-plans are exhausted", got.Status)
	}
	if f.adversary.IsGoalActive(g.ID) {
		t.Error("failed goal still active")
	}
}
