package adversary

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/workfarm/internal/goals"
)

// reconTruncateLimit bounds how much of a recon report is replayed into
// the planning prompt.
const reconTruncateLimit = 3000

// needsInputMarker is the trailer a worker uses to surface a question it
// cannot answer on its own.
const needsInputMarker = "[NEEDS_INPUT]:"

func reconInstruction(agentName string, g *goals.Goal, roots []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, preparing to work on this goal:\n\n%s\n\n", agentName, g.Description)
	fmt.Fprintf(&b, "Working directory: %s\n", g.WorkingDirectory)
	if len(roots) > 0 {
		fmt.Fprintf(&b, "Workspace roots: %s\n", strings.Join(roots, ", "))
	}
	b.WriteString(`
Explore the working tree and produce a reconnaissance report. Read, do not modify.
Write a human-readable report, then close with a structured block exactly of this form:

<recon_summary>
PROJECT_PATH: <path>
LANGUAGE: <primary language>
FRAMEWORK: <framework or "none">
KEY_FILES: <comma-separated list>
CURRENT_STATE: <one paragraph>
IMPROVEMENT_OPPORTUNITIES: <one paragraph>
</recon_summary>`)
	return b.String()
}

type planningInput struct {
	goal        *goals.Goal
	agentName   string
	roots       []string
	reconReport string
	priorSteps  []goals.PlanStep // completed steps when re-planning
	prefContext string
}

func planningPrompt(in planningInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an execution plan for agent %s.\n\nGoal: %s\n", in.agentName, in.goal.Description)
	if len(in.goal.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range in.goal.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "Working directory: %s\n", in.goal.WorkingDirectory)
	if len(in.roots) > 0 {
		fmt.Fprintf(&b, "Workspace roots: %s\n", strings.Join(in.roots, ", "))
	}
	if in.reconReport != "" {
		report := in.reconReport
		if len(report) > reconTruncateLimit {
			report = report[:reconTruncateLimit]
		}
		fmt.Fprintf(&b, "\nReconnaissance report:\n%s\n", report)
	}
	if len(in.priorSteps) > 0 {
		b.WriteString("\nResults from the previous plan:\n")
		for _, s := range in.priorSteps {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.Description, s.Result)
		}
	}
	if in.prefContext != "" {
		b.WriteString("\n")
		b.WriteString(in.prefContext)
	}
	b.WriteString(`
Respond with ONLY a JSON object, no prose:
{
  "reasoning": "...",
  "recurring": false,
  "interval_minutes": 0,
  "cycle_goal": "",
  "completion_criteria": "",
  "steps": [{"description": "..."}]
}
Each step must be a self-contained unit of work a stateless worker can execute. Keep the plan linear and short.`)
	return b.String()
}

func craftInstructionPrompt(step *goals.PlanStep, completed []goals.PlanStep) string {
	var b strings.Builder
	b.WriteString("Write a self-contained instruction for a worker that has NO memory of previous steps.\n\n")
	fmt.Fprintf(&b, "Step to execute: %s\n", step.Description)
	if len(completed) > 0 {
		b.WriteString("\nResults of completed steps the instruction may need to reference:\n")
		for _, s := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", s.Description, s.Result)
		}
	}
	b.WriteString("\nRespond with the instruction text only. Fold in any prior results the worker needs; do not refer to \"previous steps\".")
	return b.String()
}

func resumedInstructionPrompt(step *goals.PlanStep, question, answer string) string {
	var b strings.Builder
	b.WriteString("A worker asked a question mid-step and the operator answered. Rewrite the step instruction so the answer is woven in; do NOT merely append the answer.\n\n")
	fmt.Fprintf(&b, "Original step: %s\n", step.Description)
	fmt.Fprintf(&b, "Worker's question: %s\n", question)
	fmt.Fprintf(&b, "Answer: %s\n", answer)
	b.WriteString("\nRespond with the rewritten instruction text only. The answer's content must appear in it.")
	return b.String()
}

type workerPromptInput struct {
	agentName   string
	goal        *goals.Goal
	instruction string
	completed   []goals.PlanStep
	roots       []string
	prefContext string
}

func workerPrompt(in workerPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. You are executing one step of this goal, verbatim, without reinterpreting it:\n\n%s\n\n", in.agentName, in.goal.Description)
	if len(in.completed) > 0 {
		b.WriteString("<prior_context>\n")
		for _, s := range in.completed {
			fmt.Fprintf(&b, "Step: %s\nResult: %s\n\n", s.Description, s.Result)
		}
		b.WriteString("</prior_context>\n\n")
	}
	fmt.Fprintf(&b, "<worker_instruction>\n%s\n</worker_instruction>\n\n", in.instruction)
	fmt.Fprintf(&b, "Working directory: %s\n", in.goal.WorkingDirectory)
	if len(in.roots) > 0 {
		fmt.Fprintf(&b, "Workspace roots: %s\n", strings.Join(in.roots, ", "))
	}
	if len(in.goal.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range in.goal.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if in.prefContext != "" {
		b.WriteString("\n")
		b.WriteString(in.prefContext)
	}
	b.WriteString(`
Close your final message with a <step_summary>…</step_summary> block describing what you did and what you found.
If you cannot proceed without a decision from the operator, end your final message with:
` + needsInputMarker + ` <your question>`)
	return b.String()
}

func evaluationPrompt(step *goals.PlanStep, g *goals.Goal, result string) string {
	var b strings.Builder
	b.WriteString("Evaluate a worker's step result.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", g.Description)
	fmt.Fprintf(&b, "Step: %s\n", step.Description)
	fmt.Fprintf(&b, "\nWorker result:\n%s\n", result)
	b.WriteString(`
Respond with ONLY a JSON object:
{
  "verdict": "PASS" | "RETRY" | "ESCALATE",
  "reasoning": "...",
  "refined_instruction": "only for RETRY: a sharper instruction for the re-attempt",
  "escalation_question": "only for ESCALATE: the question for the operator"
}
PASS if the step's intent was satisfied. RETRY if a sharper instruction would likely fix it. ESCALATE if the operator must decide.`)
	return b.String()
}

func autoAnswerPrompt(g *goals.Goal, question, recon, prefContext string) string {
	var b strings.Builder
	b.WriteString("A worker is stuck on a question. Decide whether it can be answered from what is already known, without the operator.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", g.Description)
	if len(g.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range g.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if recon != "" {
		report := recon
		if len(report) > reconTruncateLimit {
			report = report[:reconTruncateLimit]
		}
		fmt.Fprintf(&b, "Reconnaissance:\n%s\n", report)
	}
	if prefContext != "" {
		b.WriteString(prefContext)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	b.WriteString(`
Respond with ONLY a JSON object:
{"can_answer": true|false, "answer": "...", "reasoning": "..."}
Set can_answer true only when the context above determines the answer; never guess.`)
	return b.String()
}

func refinementPrompt(g *goals.Goal, completed, pending []goals.PlanStep) string {
	var b strings.Builder
	b.WriteString("A step just completed. Decide whether the remaining pending steps should be rewritten in light of what was learned.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\nCompleted:\n", g.Description)
	for _, s := range completed {
		fmt.Fprintf(&b, "- %s: %s\n", s.Description, s.Result)
	}
	b.WriteString("\nPending:\n")
	for _, s := range pending {
		fmt.Fprintf(&b, "- order %d: %s\n", s.Order, s.Description)
	}
	b.WriteString(`
Respond with ONLY a JSON object:
{"needs_refinement": true|false, "reasoning": "...", "refined_steps": [{"order": 0, "description": "..."}]}
Only include steps whose description should change. Use the literal description "SKIP" for a step that is now unnecessary.`)
	return b.String()
}

type talkInput struct {
	agentName string
	goal      *goals.Goal
	plan      *goals.Plan
	summary   string
	message   string
}

func talkPrompt(in talkInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an autonomous coding agent, chatting with your operator.\n\n", in.agentName)
	if in.goal != nil {
		fmt.Fprintf(&b, "Current goal (%s): %s\n", in.goal.Status, in.goal.Description)
	}
	if in.plan != nil {
		b.WriteString("Plan status:\n")
		for _, s := range in.plan.Steps {
			fmt.Fprintf(&b, "- [%s] %s\n", s.Status, s.Description)
		}
	}
	if in.summary != "" {
		fmt.Fprintf(&b, "Recent activity: %s\n", in.summary)
	}
	fmt.Fprintf(&b, "\nOperator says: %s\n\nReply conversationally and briefly.", in.message)
	return b.String()
}

// trailingQuestion extracts the question from a result whose tail carries
// the needs-input marker, or "" when the marker is absent.
func trailingQuestion(result string) string {
	idx := strings.LastIndex(result, needsInputMarker)
	if idx < 0 {
		return ""
	}
	tail := result[idx+len(needsInputMarker):]
	// The marker must be at the tail of the message, not buried mid-text.
	if strings.Count(tail, "\n") > 2 {
		return ""
	}
	return strings.TrimSpace(tail)
}
