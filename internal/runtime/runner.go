// Package runtime spawns and streams worker subprocesses speaking the
// line-delimited stream-json protocol. One subprocess per session; a
// resume kills the previous process and spawns a fresh one with the same
// session id. Each spawn is tagged with a generation so output still in
// flight from a superseded process is never delivered.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Handler receives events for one spawn. Called from the pump goroutines;
// implementations serialize their own state.
type Handler func(ev Event)

// SpawnOptions describes one worker invocation.
type SpawnOptions struct {
	SessionID       string
	WorkingDir      string
	Prompt          string
	SystemPrompt    string
	AllowedTools    []string
	DisallowedTools []string
	MaxTurns        int
	AdditionalDirs  []string
}

// Runner abstracts worker subprocess management so the session layer and
// the oracle can be tested against fakes.
type Runner interface {
	// Start spawns a fresh process for the session (--session-id).
	Start(ctx context.Context, opts SpawnOptions, h Handler) error
	// Resume kills any prior process for the session and spawns a new one
	// with the resume flag. In-flight output from the prior process is
	// dropped.
	Resume(ctx context.Context, opts SpawnOptions, h Handler) error
	// Kill terminates the session's current process, if any.
	Kill(sessionID string) error
}

// CLIRunner runs a tool-equipped assistant CLI.
type CLIRunner struct {
	bin string

	mu    sync.Mutex
	gens  map[string]uint64
	procs map[string]*exec.Cmd

	// delivery serializes handler calls against generation bumps per
	// session: an event that passed the generation check can otherwise
	// still be delivered after Supersede, in the window between the
	// check and the handler call.
	delivery map[string]*sync.Mutex
}

func NewCLIRunner(bin string) *CLIRunner {
	if bin == "" {
		bin = "claude"
	}
	return &CLIRunner{
		bin:      bin,
		gens:     make(map[string]uint64),
		procs:    make(map[string]*exec.Cmd),
		delivery: make(map[string]*sync.Mutex),
	}
}

func (r *CLIRunner) Start(ctx context.Context, opts SpawnOptions, h Handler) error {
	return r.spawn(ctx, opts, h, false)
}

func (r *CLIRunner) Resume(ctx context.Context, opts SpawnOptions, h Handler) error {
	return r.spawn(ctx, opts, h, true)
}

func (r *CLIRunner) Kill(sessionID string) error {
	r.mu.Lock()
	cmd := r.procs[sessionID]
	delete(r.procs, sessionID)
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// buildArgs assembles the CLI invocation. The prompt rides after the --
// terminator so it can never be parsed as a flag.
func buildArgs(opts SpawnOptions, resume bool) []string {
	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
	}
	if resume {
		args = append(args, "--resume", opts.SessionID)
	} else {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, "--", opts.Prompt)
	return args
}

func (r *CLIRunner) spawn(ctx context.Context, opts SpawnOptions, h Handler, resume bool) error {
	if opts.SessionID == "" {
		return fmt.Errorf("runtime: spawn without session id")
	}

	// Supersede any prior process before bumping the generation so its
	// pumps observe the stale generation and bail out. The delivery lock
	// is held across the bump: an in-flight handler call for the old
	// process finishes first, and every later one sees the stale
	// generation.
	del := r.deliveryLock(opts.SessionID)
	del.Lock()
	r.mu.Lock()
	if prev := r.procs[opts.SessionID]; prev != nil && prev.Process != nil {
		_ = prev.Process.Kill()
	}
	r.gens[opts.SessionID]++
	gen := r.gens[opts.SessionID]
	r.mu.Unlock()
	del.Unlock()

	cmd := exec.CommandContext(ctx, r.bin, buildArgs(opts, resume)...)
	cmd.Dir = opts.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("runtime: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runtime: spawn %s: %w", r.bin, err)
	}

	r.mu.Lock()
	r.procs[opts.SessionID] = cmd
	r.mu.Unlock()

	slog.Debug("runtime: spawned worker",
		"session", opts.SessionID, "gen", gen, "resume", resume, "dir", opts.WorkingDir)

	emit := func(ev Event) {
		del.Lock()
		defer del.Unlock()
		if !r.current(opts.SessionID, gen) {
			return
		}
		h(ev)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		r.pumpStdout(opts.SessionID, gen, stdout, emit)
	}()
	go func() {
		defer pumps.Done()
		r.pumpStderr(opts.SessionID, gen, stderr, emit)
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			exitCode = 1
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			}
		}
		del.Lock()
		defer del.Unlock()
		if !r.current(opts.SessionID, gen) {
			slog.Debug("runtime: superseded process exited",
				"session", opts.SessionID, "gen", gen, "exit", exitCode)
			return
		}
		r.mu.Lock()
		if r.procs[opts.SessionID] == cmd {
			delete(r.procs, opts.SessionID)
		}
		r.mu.Unlock()
		h(closeEvent(exitCode))
	}()

	return nil
}

func (r *CLIRunner) current(sessionID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[sessionID] == gen
}

func (r *CLIRunner) deliveryLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.delivery[sessionID]
	if l == nil {
		l = &sync.Mutex{}
		r.delivery[sessionID] = l
	}
	return l
}

// pumpStdout splits stdout on newlines and parses each non-empty line as
// JSON, emitting a synthetic system event on parse failure. The scanner's
// final token covers an unterminated trailing line, so buffered output is
// flushed on close.
func (r *CLIRunner) pumpStdout(sessionID string, gen uint64, reader io.Reader, emit func(Event)) {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if !r.current(sessionID, gen) {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(parseLine(line))
	}
	if err := scanner.Err(); err != nil && r.current(sessionID, gen) {
		slog.Debug("runtime: stdout read error", "session", sessionID, "error", err)
	}
}

func (r *CLIRunner) pumpStderr(sessionID string, gen uint64, reader io.Reader, emit func(Event)) {
	chunk := make([]byte, 8*1024)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			if !r.current(sessionID, gen) {
				return
			}
			emit(stderrEvent(string(chunk[:n])))
		}
		if err != nil {
			return
		}
	}
}

func parseLine(line string) Event {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return systemEvent(line)
	}
	return ev
}
