// Package store persists the data root as flat JSON files plus
// append-only JSON-lines logs:
//
//	agents.json
//	tasks.json
//	goals.json      (goals and plans in one array, plans tagged _type:"plan")
//	triggers.json
//	memory/<agentId>.json
//	preferences/<agentId>.json
//	logs/<agentId>.jsonl
//
// Saves are last-writer-wins, written atomically via temp file + rename.
// No cross-file atomicity is guaranteed.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/workfarm/internal/agents"
	"github.com/nextlevelbuilder/workfarm/internal/goals"
	"github.com/nextlevelbuilder/workfarm/internal/prefs"
	"github.com/nextlevelbuilder/workfarm/internal/tasks"
)

// FileStore implements the Store interfaces of the agents, tasks, goals,
// and prefs managers over one data root directory.
type FileStore struct {
	root string

	// Serializes appendLog writers; the JSON saves are already serialized
	// by their managers.
	logMu sync.Mutex
}

func New(root string) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "memory"), filepath.Join(root, "preferences"), filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	return &FileStore{root: root}, nil
}

// Root returns the data root directory.
func (f *FileStore) Root() string { return f.root }

// ── agents ──

func (f *FileStore) LoadAgents() ([]*agents.Agent, error) {
	var out []*agents.Agent
	if err := f.readJSON("agents.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SaveAgents(list []*agents.Agent) error {
	return f.writeJSON("agents.json", list)
}

func (f *FileStore) LoadMemory(agentID string) ([]agents.Conversation, error) {
	rel, err := agentFile("memory", agentID, ".json")
	if err != nil {
		return nil, err
	}
	var out []agents.Conversation
	if err := f.readJSON(rel, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SaveMemory(agentID string, conversations []agents.Conversation) error {
	rel, err := agentFile("memory", agentID, ".json")
	if err != nil {
		return err
	}
	return f.writeJSON(rel, conversations)
}

func (f *FileStore) DeleteMemory(agentID string) error {
	rel, err := agentFile("memory", agentID, ".json")
	if err != nil {
		return err
	}
	return f.remove(rel)
}

// ── tasks ──

func (f *FileStore) LoadTasks() ([]*tasks.Task, error) {
	var out []*tasks.Task
	if err := f.readJSON("tasks.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SaveTasks(list []*tasks.Task) error {
	return f.writeJSON("tasks.json", list)
}

// ── goals ──

// goals.json holds goals and plans in one array; plan entries carry a
// _type:"plan" tag, goal entries are untagged.
func (f *FileStore) LoadGoals() ([]*goals.Goal, []*goals.Plan, error) {
	var raws []json.RawMessage
	if err := f.readJSON("goals.json", &raws); err != nil {
		return nil, nil, err
	}
	var gs []*goals.Goal
	var ps []*goals.Plan
	for _, raw := range raws {
		var tag struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, nil, fmt.Errorf("store: goals.json entry: %w", err)
		}
		if tag.Type == "plan" {
			var p goals.Plan
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, nil, fmt.Errorf("store: goals.json plan: %w", err)
			}
			ps = append(ps, &p)
		} else {
			var g goals.Goal
			if err := json.Unmarshal(raw, &g); err != nil {
				return nil, nil, fmt.Errorf("store: goals.json goal: %w", err)
			}
			gs = append(gs, &g)
		}
	}
	return gs, ps, nil
}

func (f *FileStore) SaveGoals(gs []*goals.Goal, ps []*goals.Plan) error {
	records := make([]json.RawMessage, 0, len(gs)+len(ps))
	for _, g := range gs {
		raw, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("store: marshal goal: %w", err)
		}
		records = append(records, raw)
	}
	for _, p := range ps {
		raw, err := tagRecord(p, "plan")
		if err != nil {
			return fmt.Errorf("store: marshal plan: %w", err)
		}
		records = append(records, raw)
	}
	return f.writeJSON("goals.json", records)
}

func (f *FileStore) LoadTriggers() ([]*goals.Trigger, error) {
	var out []*goals.Trigger
	if err := f.readJSON("triggers.json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SaveTriggers(list []*goals.Trigger) error {
	return f.writeJSON("triggers.json", list)
}

// ── preferences ──

func (f *FileStore) LoadPreferences(agentID string) ([]*prefs.Preference, error) {
	rel, err := agentFile("preferences", agentID, ".json")
	if err != nil {
		return nil, err
	}
	var out []*prefs.Preference
	if err := f.readJSON(rel, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SavePreferences(agentID string, list []*prefs.Preference) error {
	rel, err := agentFile("preferences", agentID, ".json")
	if err != nil {
		return err
	}
	return f.writeJSON(rel, list)
}

func (f *FileStore) DeletePreferences(agentID string) error {
	rel, err := agentFile("preferences", agentID, ".json")
	if err != nil {
		return err
	}
	return f.remove(rel)
}

// ── observability log ──

// LogRecord is one append-only observability entry for an agent.
type LogRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// LogFilter bounds a readLogs query. Zero bounds are open.
type LogFilter struct {
	Since time.Time
	Until time.Time
}

// AppendLog appends one record to the agent's JSON-lines log.
func (f *FileStore) AppendLog(agentID string, rec LogRecord) error {
	rel, err := agentFile("logs", agentID, ".jsonl")
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal log record: %w", err)
	}

	f.logMu.Lock()
	defer f.logMu.Unlock()
	fh, err := os.OpenFile(filepath.Join(f.root, rel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open log: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

// ReadLogs returns the agent's log records within the filter bounds, in
// file (append) order. Unparseable lines are skipped.
func (f *FileStore) ReadLogs(agentID string, filter LogFilter) ([]LogRecord, error) {
	rel, err := agentFile("logs", agentID, ".jsonl")
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(filepath.Join(f.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open log: %w", err)
	}
	defer fh.Close()

	var out []LogRecord
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("store: read log: %w", err)
	}
	return out, nil
}

// DeleteLogs removes the agent's log file (fire cascade).
func (f *FileStore) DeleteLogs(agentID string) error {
	rel, err := agentFile("logs", agentID, ".jsonl")
	if err != nil {
		return err
	}
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return f.remove(rel)
}

// ── plumbing ──

// readJSON loads the file into v; a missing file leaves v untouched.
func (f *FileStore) readJSON(rel string, v any) error {
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", rel, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: parse %s: %w", rel, err)
	}
	return nil
}

// writeJSON writes v atomically: temp file in the target directory, sync,
// then rename over the destination.
func (f *FileStore) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", rel, err)
	}
	path := filepath.Join(f.root, rel)

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".workfarm-*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp for %s: %w", rel, err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("store: write %s: %w", rel, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("store: sync %s: %w", rel, err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", rel, err)
	}
	cleanup = false
	return nil
}

func (f *FileStore) remove(rel string) error {
	err := os.Remove(filepath.Join(f.root, rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", rel, err)
	}
	return nil
}

// agentFile builds dir/<agentId><ext>, rejecting ids that would escape
// the directory.
func agentFile(dir, agentID, ext string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || !filepath.IsLocal(agentID) {
		return "", fmt.Errorf("store: invalid agent id %q", agentID)
	}
	return filepath.Join(dir, agentID+ext), nil
}

func tagRecord(v any, typ string) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["_type"], _ = json.Marshal(typ)
	return json.Marshal(obj)
}
