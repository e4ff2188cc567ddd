// Package oracle asks a no-tool language model for completions. The CLI
// implementation runs the worker binary in print-once-and-exit mode with
// tools disabled and accumulates assistant text from its event stream.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/workfarm/internal/runtime"
)

// Oracle produces a completion for a prompt. Implementations return an
// error value rather than panicking; an empty completion with a non-nil
// error means the call could not make progress.
type Oracle interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// CLI is the subprocess-backed Oracle.
type CLI struct {
	runner  runtime.Runner
	workDir string
	timeout time.Duration
	limiter *rate.Limiter
}

// Config for NewCLI. WorkDir is any writable directory; the oracle has no
// filesystem effects. RPM caps subprocess spawns per minute (0 = 20).
type Config struct {
	Runner  runtime.Runner
	WorkDir string
	Timeout time.Duration
	RPM     int
}

func NewCLI(cfg Config) *CLI {
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLI{
		runner:  cfg.Runner,
		workDir: cfg.WorkDir,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

// Complete spawns a single-shot worker with tools disabled and resolves
// once the subprocess closes. Assistant text is accumulated; the terminal
// result text is used as a fallback when no assistant message arrived.
func (o *CLI) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle: rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	sessionID := uuid.NewString()

	var (
		mu         sync.Mutex
		parts      []string
		resultText string
		failed     bool
		done       = make(chan struct{})
		once       sync.Once
	)

	handler := func(ev runtime.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				return
			}
			if ev.Message.Content.Text != "" {
				parts = append(parts, ev.Message.Content.Text)
			}
			for _, block := range ev.Message.Content.Blocks {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}
		case "result":
			if ev.Result != "" {
				resultText = ev.Result
			}
			if ev.Subtype == "error" || ev.IsError {
				failed = true
			}
			once.Do(func() { close(done) })
		}
	}

	err := o.runner.Start(ctx, runtime.SpawnOptions{
		SessionID:       sessionID,
		WorkingDir:      o.workDir,
		Prompt:          prompt,
		SystemPrompt:    systemPrompt,
		DisallowedTools: []string{"*"},
		MaxTurns:        1,
	}, handler)
	if err != nil {
		return "", fmt.Errorf("oracle: spawn: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = o.runner.Kill(sessionID)
		return "", fmt.Errorf("oracle: %w", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()

	content := strings.TrimSpace(strings.Join(parts, "\n"))
	if content == "" {
		content = strings.TrimSpace(resultText)
	}
	if failed && content == "" {
		return "", fmt.Errorf("oracle: completion failed")
	}
	if content == "" {
		slog.Debug("oracle: empty completion", "session", sessionID)
	}
	return content, nil
}
