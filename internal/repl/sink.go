package repl

import (
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/store"
)

// AttachLogSink mirrors every published event into the owning agent's
// append-only log. Events whose payload carries no agent id are skipped.
// Returns the unsubscribe function.
func AttachLogSink(b *bus.EventBus, st *store.FileStore) func() {
	return b.SubscribeAll(func(ev bus.Event) {
		agentID := agentIDOf(ev.Payload)
		if agentID == "" {
			return
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			slog.Warn("log sink: marshal payload", "topic", ev.Topic, "error", err)
			return
		}
		rec := store.LogRecord{Timestamp: ev.Timestamp, Topic: ev.Topic, Payload: payload}
		if err := st.AppendLog(agentID, rec); err != nil {
			slog.Warn("log sink: append", "agent", agentID, "topic", ev.Topic, "error", err)
		}
	})
}

func agentIDOf(payload any) string {
	switch p := payload.(type) {
	case bus.AgentPayload:
		return p.AgentID
	case bus.TaskPayload:
		return p.AgentID
	case bus.GoalPayload:
		return p.AgentID
	case bus.StepPayload:
		return p.AgentID
	case bus.SessionPayload:
		return p.AgentID
	case bus.SessionMessagePayload:
		return p.AgentID
	case bus.SessionEndedPayload:
		return p.AgentID
	case bus.PermissionPayload:
		return p.AgentID
	case bus.QuestionPayload:
		return p.AgentID
	case bus.TriggerPayload:
		return p.AgentID
	case bus.LogPayload:
		return p.AgentID
	default:
		return ""
	}
}
