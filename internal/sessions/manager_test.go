package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
	"github.com/nextlevelbuilder/workfarm/internal/runtime"
)

// fakeRunner records spawns and lets tests feed events to the handler
// directly, standing in for a live subprocess.
type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]runtime.Handler
	starts   []runtime.SpawnOptions
	resumes  []runtime.SpawnOptions
	killed   []string
	startErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]runtime.Handler)}
}

func (r *fakeRunner) Start(_ context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts = append(r.starts, opts)
	r.handlers[opts.SessionID] = h
	return nil
}

func (r *fakeRunner) Resume(_ context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, opts)
	r.handlers[opts.SessionID] = h
	return nil
}

func (r *fakeRunner) Kill(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, sessionID)
	return nil
}

func (r *fakeRunner) emit(sessionID string, ev runtime.Event) {
	r.mu.Lock()
	h := r.handlers[sessionID]
	r.mu.Unlock()
	h(ev)
}

func mustJSON(t *testing.T, s string) runtime.Event {
	t.Helper()
	var ev runtime.Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func startTestSession(t *testing.T) (*Manager, *fakeRunner, *bus.EventBus, string) {
	t.Helper()
	r := newFakeRunner()
	b := bus.New()
	m := NewManager(r, b)
	sid, err := m.StartSession(context.Background(), "a1", "t1", StartOptions{
		Prompt: "do the thing", WorkingDir: "/w", AllowedTools: []string{"Read"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, r, b, sid
}

func TestStartSession(t *testing.T) {
	r := newFakeRunner()
	b := bus.New()
	var topics []string
	b.SubscribeAll(func(ev bus.Event) { topics = append(topics, ev.Topic) })
	m := NewManager(r, b)

	sid, err := m.StartSession(context.Background(), "a1", "t1", StartOptions{Prompt: "p", MaxTurns: 5})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := m.Get(sid)
	if s.Status != StatusActive || s.AgentID != "a1" || s.TaskID != "t1" {
		t.Errorf("session = %+v", s)
	}
	if len(r.starts) != 1 || r.starts[0].MaxTurns != 5 || r.starts[0].SessionID != sid {
		t.Errorf("starts = %+v", r.starts)
	}
	want := []string{bus.TopicSessionCreated, bus.TopicSessionStatusChanged}
	if len(topics) != 2 || topics[0] != want[0] || topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", topics, want)
	}

	if _, ok := m.ActiveForAgent("a1"); !ok {
		t.Error("no live session for agent")
	}
	if _, err := m.StartSession(context.Background(), "a1", "t2", StartOptions{}); !errors.Is(err, ErrAgentBusy) {
		t.Errorf("second start = %v, want ErrAgentBusy", err)
	}
}

func TestEventToMessageMapping(t *testing.T) {
	m, r, _, sid := startTestSession(t)

	lines := []string{
		`{"type":"assistant","message":{"content":"plain text"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"block text"},{"type":"tool_use","name":"Bash"}]}}`,
		`{"type":"content_block_start","content_block":{"type":"thinking","thinking":"hmm"}}`,
		`{"type":"content_block_start","content_block":{"type":"tool_use","name":"Read","id":"tu1","input":{"path":"x"}}}`,
		`{"type":"content_block_start","content_block":{"type":"text","text":"started"}}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"more"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"delta"}}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta"}}`,
		`{"type":"tool_result","content":"file contents"}`,
		`{"type":"system","subtype":"tool_result","content":"wrapped result"}`,
		`{"type":"system","subtype":"stderr","content":"warning"}`,
	}
	for _, line := range lines {
		r.emit(sid, mustJSON(t, line))
	}

	s, _ := m.Get(sid)
	want := []struct {
		typ     MessageType
		content string
	}{
		{MessageAssistant, "plain text"},
		{MessageAssistant, "block text"},
		{MessageThinking, "hmm"},
		{MessageToolUse, "Read"},
		{MessageAssistant, "started"},
		{MessageThinking, "more"},
		{MessageAssistant, "delta"},
		{MessageToolResult, "file contents"},
		{MessageToolResult, "wrapped result"},
		{MessageSystem, "warning"},
	}
	if len(s.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d: %+v", len(s.Messages), len(want), s.Messages)
	}
	for i, w := range want {
		if s.Messages[i].Type != w.typ || s.Messages[i].Content != w.content {
			t.Errorf("messages[%d] = %s %q, want %s %q", i, s.Messages[i].Type, s.Messages[i].Content, w.typ, w.content)
		}
	}
	if s.Messages[3].Metadata == nil || s.Messages[3].Metadata.ToolID != "tu1" {
		t.Errorf("tool_use metadata = %+v", s.Messages[3].Metadata)
	}
}

func TestCleanCloseEndsCompleted(t *testing.T) {
	m, r, b, sid := startTestSession(t)
	var ended []bus.SessionEndedPayload
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Payload.(bus.SessionEndedPayload))
	})

	r.emit(sid, mustJSON(t, `{"type":"assistant","message":{"content":"part one"}}`))
	r.emit(sid, mustJSON(t, `{"type":"assistant","message":{"content":"part two"}}`))
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"success","result":"ignored duplicate"}`))

	s, _ := m.Get(sid)
	if s.Status != StatusCompleted {
		t.Errorf("status = %s", s.Status)
	}
	if len(ended) != 1 {
		t.Fatalf("ended = %d", len(ended))
	}
	if ended[0].Result != "part one\npart two" || ended[0].TaskID != "t1" {
		t.Errorf("ended = %+v", ended[0])
	}
	// The result field is not re-appended when assistant text exists.
	if len(s.Messages) != 2 {
		t.Errorf("messages = %+v", s.Messages)
	}
	if _, ok := m.ActiveForAgent("a1"); ok {
		t.Error("agent still mapped to ended session")
	}

	// Double-end protection.
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"close"}`))
	if len(ended) != 1 {
		t.Errorf("ended twice: %d", len(ended))
	}
}

func TestResultFallbackAppended(t *testing.T) {
	m, r, _, sid := startTestSession(t)

	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"success","result":"only in result"}`))

	s, _ := m.Get(sid)
	if len(s.Messages) != 1 || s.Messages[0].Type != MessageAssistant || s.Messages[0].Content != "only in result" {
		t.Errorf("messages = %+v", s.Messages)
	}
	if s.AssistantText() != "only in result" {
		t.Errorf("result = %q", s.AssistantText())
	}
}

func TestErrorTerminal(t *testing.T) {
	m, r, b, sid := startTestSession(t)
	var ended []bus.SessionEndedPayload
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Payload.(bus.SessionEndedPayload))
	})

	r.emit(sid, runtime.Event{Type: "result", Subtype: "error", ExitCode: 1})

	s, _ := m.Get(sid)
	if s.Status != StatusError {
		t.Errorf("status = %s", s.Status)
	}
	if len(ended) != 1 || ended[0].Status != string(StatusError) || ended[0].Error == "" {
		t.Errorf("ended = %+v", ended)
	}
}

func TestPermissionDenialFlow(t *testing.T) {
	m, r, b, sid := startTestSession(t)
	var perms []bus.PermissionPayload
	var ended int
	b.Subscribe(bus.TopicPermissionRequested, func(ev bus.Event) {
		perms = append(perms, ev.Payload.(bus.PermissionPayload))
	})
	b.Subscribe(bus.TopicSessionEnded, func(bus.Event) { ended++ })

	r.emit(sid, mustJSON(t, `{"type":"assistant","message":{"content":"need tools"}}`))
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"success","permission_denials":[
		{"tool_name":"Bash"},{"tool_name":"bash"},{"tool_name":"Write"}]}`))

	s, _ := m.Get(sid)
	if s.Status != StatusWaitingInput {
		t.Fatalf("status = %s", s.Status)
	}
	// Deduplicated case-insensitively: Bash, Write.
	if len(s.PendingPermissions) != 2 || len(perms) != 2 {
		t.Fatalf("pending = %+v, requested = %+v", s.PendingPermissions, perms)
	}
	if perms[0].ToolName != "Bash" || perms[1].ToolName != "Write" {
		t.Errorf("requested = %+v", perms)
	}
	if ended != 0 {
		t.Fatal("session ended despite denials")
	}

	// Close events while waiting must not end the session.
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"close"}`))
	s, _ = m.Get(sid)
	if s.Status != StatusWaitingInput || ended != 0 {
		t.Fatalf("status = %s, ended = %d", s.Status, ended)
	}

	canonical, all, err := m.ApprovePermission(sid, "bash")
	if err != nil || canonical != "Bash" || all {
		t.Fatalf("approve = %q, %v, %v", canonical, all, err)
	}
	canonical, all, err = m.ApprovePermission(sid, "WRITE")
	if err != nil || canonical != "Write" || !all {
		t.Fatalf("approve = %q, %v, %v", canonical, all, err)
	}

	if err := m.ResumeSession(context.Background(), sid, []string{"Read", "Bash", "Write"}, "/w"); err != nil {
		t.Fatal(err)
	}
	s, _ = m.Get(sid)
	if s.Status != StatusActive {
		t.Errorf("status after resume = %s", s.Status)
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Type != MessageUser || last.Content != "Permission granted. Continue your task." {
		t.Errorf("last message = %+v", last)
	}
	if len(r.resumes) != 1 || r.resumes[0].AllowedTools[1] != "Bash" {
		t.Errorf("resumes = %+v", r.resumes)
	}

	// Clean close now ends the session.
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"close"}`))
	s, _ = m.Get(sid)
	if s.Status != StatusCompleted || ended != 1 {
		t.Errorf("status = %s, ended = %d", s.Status, ended)
	}
}

func TestDenyPermissionEndsCompleted(t *testing.T) {
	m, r, b, sid := startTestSession(t)
	var ended []bus.SessionEndedPayload
	b.Subscribe(bus.TopicSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Payload.(bus.SessionEndedPayload))
	})

	r.emit(sid, mustJSON(t, `{"type":"assistant","message":{"content":"partial work"}}`))
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"success","permission_denials":[{"tool_name":"Bash"}]}`))

	if err := m.DenyPermission(sid); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Get(sid)
	if s.Status != StatusCompleted {
		t.Errorf("status = %s", s.Status)
	}
	if len(ended) != 1 || ended[0].Result != "partial work" {
		t.Errorf("ended = %+v", ended)
	}
}

func TestStopSession(t *testing.T) {
	m, r, _, sid := startTestSession(t)

	if err := m.StopSession(sid); err != nil {
		t.Fatal(err)
	}
	if len(r.killed) != 1 || r.killed[0] != sid {
		t.Errorf("killed = %v", r.killed)
	}
	s, _ := m.Get(sid)
	if s.Status != StatusError {
		t.Errorf("status = %s", s.Status)
	}
	// Late close from the killed process is ignored.
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"error","exit_code":1}`))
	s, _ = m.Get(sid)
	if s.Status != StatusError {
		t.Errorf("status = %s", s.Status)
	}

	if err := m.StopSession(sid); !errors.Is(err, ErrNotLive) {
		t.Errorf("stop ended session = %v, want ErrNotLive", err)
	}
}

func TestSendMessageOnEndedSession(t *testing.T) {
	m, r, _, sid := startTestSession(t)
	r.emit(sid, mustJSON(t, `{"type":"result","subtype":"close"}`))

	err := m.SendMessage(context.Background(), sid, "hello", "/w", nil)
	if !errors.Is(err, ErrNotLive) {
		t.Errorf("err = %v, want ErrNotLive", err)
	}
	if err := m.SendMessage(context.Background(), "nope", "x", "/w", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
