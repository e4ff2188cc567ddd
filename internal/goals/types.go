// Package goals owns durable goals, their versioned plans, and the
// triggers that wake them.
package goals

import "time"

type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// Goal is a durable operator-authored intention attached to one agent.
type Goal struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agentId"`
	Description      string     `json:"description"`
	SystemPrompt     string     `json:"systemPrompt,omitempty"`
	Constraints      []string   `json:"constraints,omitempty"`
	WorkingDirectory string     `json:"workingDirectory"`
	MaxTurnsPerStep  int        `json:"maxTurnsPerStep"`
	Status           GoalStatus `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepBlocked    StepStatus = "blocked"
)

// Settled reports whether the step needs no further work.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepSkipped
}

// PlanStep is one unit of work dispatched to a worker session. Order
// values are dense [0..n) and unique within a plan.
type PlanStep struct {
	ID          string     `json:"id"`
	GoalID      string     `json:"goalId"`
	Order       int        `json:"order"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	TaskID      string     `json:"taskId,omitempty"`
	Result      string     `json:"result,omitempty"`
	Question    string     `json:"question,omitempty"` // set iff status == blocked
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Plan is the current ordered step list for a goal. Replacing a plan
// increments Version; only the newest version is retrievable.
type Plan struct {
	ID                 string     `json:"id"`
	GoalID             string     `json:"goalId"`
	Version            int        `json:"version"`
	Reasoning          string     `json:"reasoning,omitempty"`
	Steps              []PlanStep `json:"steps"`
	Recurring          bool       `json:"recurring,omitempty"`
	IntervalMinutes    int        `json:"intervalMinutes,omitempty"`
	CycleGoal          string     `json:"cycleGoal,omitempty"`
	CompletionCriteria string     `json:"completionCriteria,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Lifecycle carries the planner's recurrence decision into SetPlan.
type Lifecycle struct {
	Recurring          bool
	IntervalMinutes    int
	CycleGoal          string
	CompletionCriteria string
}

type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// Trigger is a time-based activation of a goal. Cron triggers carry a
// cron expression instead of an interval.
type Trigger struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agentId"`
	GoalID      string      `json:"goalId"`
	Type        TriggerType `json:"type"`
	IntervalMs  int64       `json:"intervalMs,omitempty"`
	CronExpr    string      `json:"cronExpr,omitempty"`
	Enabled     bool        `json:"enabled"`
	LastFiredAt *time.Time  `json:"lastFiredAt,omitempty"`
	NextFireAt  *time.Time  `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// StepPatch mutates a step in place. Nil fields are left untouched.
type StepPatch struct {
	Status      *StepStatus
	Description *string
	TaskID      *string
	Result      *string
	Question    *string
	CompletedAt *time.Time
}
