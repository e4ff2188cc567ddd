package bus

// Topic constants. Subscribers switch on the topic and assert the payload
// type listed next to it.
const (
	TopicAgentHired   = "agent_hired"   // AgentPayload
	TopicAgentFired   = "agent_fired"   // AgentPayload
	TopicAgentState   = "agent_state"   // AgentPayload
	TopicAgentMoved   = "agent_moved"   // AgentPayload (cosmetic)

	TopicTaskCreated   = "task_created"   // TaskPayload
	TopicTaskStarted   = "task_started"   // TaskPayload
	TopicTaskCompleted = "task_completed" // TaskPayload
	TopicTaskFailed    = "task_failed"    // TaskPayload
	TopicTaskLog       = "task_log"       // TaskLogPayload

	TopicGoalCreated = "goal_created" // GoalPayload
	TopicGoalUpdated = "goal_updated" // GoalPayload

	TopicStepStarted   = "step_started"   // StepPayload
	TopicStepCompleted = "step_completed" // StepPayload
	TopicStepFailed    = "step_failed"    // StepPayload

	TopicSessionCreated       = "session_created"        // SessionPayload
	TopicSessionStatusChanged = "session_status_changed" // SessionPayload
	TopicSessionMessage       = "session_message"        // SessionMessagePayload
	TopicSessionEnded         = "session_ended"          // SessionEndedPayload

	TopicPermissionRequested = "permission_requested" // PermissionPayload
	TopicQuestionRaised      = "question_raised"      // QuestionPayload
	TopicTriggerFired        = "trigger_fired"        // TriggerPayload

	TopicPlanCreated = "plan_created" // PlanPayload

	TopicLog = "log" // LogPayload
)

// AgentPayload accompanies agent lifecycle and state topics.
type AgentPayload struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state,omitempty"`
	X       int    `json:"x,omitempty"`
	Y       int    `json:"y,omitempty"`
}

// TaskPayload accompanies task lifecycle topics.
type TaskPayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskLogPayload accompanies task_log.
type TaskLogPayload struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// GoalPayload accompanies goal topics.
type GoalPayload struct {
	GoalID  string `json:"goalId"`
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// PlanPayload accompanies plan_created.
type PlanPayload struct {
	PlanID  string `json:"planId"`
	GoalID  string `json:"goalId"`
	Version int    `json:"version"`
	Steps   int    `json:"steps"`
}

// StepPayload accompanies step_* topics.
type StepPayload struct {
	GoalID      string `json:"goalId"`
	StepID      string `json:"stepId"`
	AgentID     string `json:"agentId,omitempty"`
	Order       int    `json:"order"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// SessionPayload accompanies session_created and session_status_changed.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	Status    string `json:"status"`
}

// SessionMessagePayload accompanies session_message.
type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

// SessionEndedPayload accompanies session_ended. Status is the session's
// final status (completed or error); Result is the concatenated assistant
// output for the run.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PermissionPayload accompanies permission_requested, one per unique tool.
type PermissionPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	ToolName  string `json:"toolName"`
}

// QuestionPayload accompanies question_raised.
type QuestionPayload struct {
	GoalID   string `json:"goalId"`
	StepID   string `json:"stepId"`
	AgentID  string `json:"agentId"`
	Question string `json:"question"`
}

// TriggerPayload accompanies trigger_fired.
type TriggerPayload struct {
	TriggerID string `json:"triggerId"`
	GoalID    string `json:"goalId"`
	AgentID   string `json:"agentId"`
	Type      string `json:"type"`
}

// LogPayload carries free-form operational notices for the console and the
// per-agent observability log.
type LogPayload struct {
	AgentID string `json:"agentId,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}
