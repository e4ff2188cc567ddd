package oracle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/workfarm/internal/runtime"
)

// scriptRunner feeds a canned event sequence to the handler.
type scriptRunner struct {
	events []runtime.Event
	opts   runtime.SpawnOptions
	killed bool
}

func (r *scriptRunner) Start(ctx context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	r.opts = opts
	go func() {
		for _, ev := range r.events {
			h(ev)
		}
	}()
	return nil
}

func (r *scriptRunner) Resume(ctx context.Context, opts runtime.SpawnOptions, h runtime.Handler) error {
	return r.Start(ctx, opts, h)
}

func (r *scriptRunner) Kill(sessionID string) error {
	r.killed = true
	return nil
}

func assistant(text string) runtime.Event {
	return runtime.Event{
		Type:    "assistant",
		Message: &runtime.Message{Content: runtime.MessageContent{Text: text}},
	}
}

func TestCompleteAccumulatesAssistantText(t *testing.T) {
	r := &scriptRunner{events: []runtime.Event{
		assistant("first"),
		assistant("second"),
		{Type: "result", Subtype: "success", Result: "ignored fallback"},
	}}
	o := NewCLI(Config{Runner: r, RPM: 600})

	got, err := o.Complete(context.Background(), "sys", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "first\nsecond" {
		t.Errorf("content = %q", got)
	}
	if r.opts.SystemPrompt != "sys" {
		t.Errorf("system prompt = %q", r.opts.SystemPrompt)
	}
	if len(r.opts.DisallowedTools) == 0 {
		t.Error("tools not disabled")
	}
}

func TestCompleteResultFallback(t *testing.T) {
	r := &scriptRunner{events: []runtime.Event{
		{Type: "result", Subtype: "success", Result: "the answer"},
	}}
	o := NewCLI(Config{Runner: r, RPM: 600})

	got, err := o.Complete(context.Background(), "", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "the answer" {
		t.Errorf("content = %q", got)
	}
}

func TestCompleteErrorTerminal(t *testing.T) {
	r := &scriptRunner{events: []runtime.Event{
		{Type: "result", Subtype: "error"},
	}}
	o := NewCLI(Config{Runner: r, RPM: 600})

	if _, err := o.Complete(context.Background(), "", "prompt"); err == nil {
		t.Error("expected error for failed empty completion")
	}
}

func TestCompleteTimeoutKills(t *testing.T) {
	r := &scriptRunner{} // never emits a terminal event
	o := NewCLI(Config{Runner: r, RPM: 600, Timeout: 50 * time.Millisecond})

	_, err := o.Complete(context.Background(), "", "prompt")
	if err == nil || !strings.Contains(err.Error(), "deadline") {
		t.Errorf("err = %v", err)
	}
	if !r.killed {
		t.Error("subprocess not killed on timeout")
	}
}

func TestCompleteBlockContent(t *testing.T) {
	r := &scriptRunner{events: []runtime.Event{
		{Type: "assistant", Message: &runtime.Message{Content: runtime.MessageContent{
			Blocks: []runtime.ContentBlock{
				{Type: "text", Text: "block text"},
				{Type: "tool_use", Name: "Bash"},
			},
		}}},
		{Type: "result", Subtype: "close"},
	}}
	o := NewCLI(Config{Runner: r, RPM: 600})

	got, err := o.Complete(context.Background(), "", "p")
	if err != nil {
		t.Fatal(err)
	}
	if got != "block text" {
		t.Errorf("content = %q", got)
	}
}
