// Package prefs stores remembered operator choices per agent, ranked by
// confidence, and renders them for injection into worker and oracle
// prompts.
package prefs

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/workfarm/internal/jsonx"
)

var (
	ErrNotFound        = errors.New("preference not found")
	ErrLowerConfidence = errors.New("existing preference has higher confidence")
)

type Confidence string

const (
	ConfidenceAssumed  Confidence = "assumed"
	ConfidenceInferred Confidence = "inferred"
	ConfidenceExplicit Confidence = "explicit"
)

var confidenceRank = map[Confidence]int{
	ConfidenceAssumed:  0,
	ConfidenceInferred: 1,
	ConfidenceExplicit: 2,
}

// Outranks reports whether c may replace old on an upsert.
func (c Confidence) Outranks(old Confidence) bool {
	return confidenceRank[c] >= confidenceRank[old]
}

// Preference is one remembered choice, unique per (agent, key).
type Preference struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	Category   string     `json:"category"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Source     string     `json:"source,omitempty"`
	Confidence Confidence `json:"confidence"`
	CreatedAt  time.Time  `json:"createdAt"`
	UsedCount  int        `json:"usedCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Store is the persistence surface the manager needs.
type Store interface {
	LoadPreferences(agentID string) ([]*Preference, error)
	SavePreferences(agentID string, prefs []*Preference) error
	DeletePreferences(agentID string) error
}

type Manager struct {
	mu    sync.Mutex
	cache map[string]map[string]*Preference // agentID → key → pref
	store Store
}

func NewManager(st Store) *Manager {
	return &Manager{cache: make(map[string]map[string]*Preference), store: st}
}

// AddPreference upserts. A new preference replaces an existing one with
// the same key only when its confidence is greater or equal; strictly
// lower confidence is rejected.
func (m *Manager) AddPreference(agentID, category, key, value, source string, confidence Confidence) (*Preference, error) {
	if _, ok := confidenceRank[confidence]; !ok {
		return nil, fmt.Errorf("unknown confidence %q", confidence)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	if old, ok := prefs[key]; ok {
		if !confidence.Outranks(old.Confidence) {
			return nil, fmt.Errorf("%w: %s (%s > %s)", ErrLowerConfidence, key, old.Confidence, confidence)
		}
		old.Category = category
		old.Value = value
		old.Source = source
		old.Confidence = confidence
		m.persistLocked(agentID)
		cp := *old
		return &cp, nil
	}
	p := &Preference{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Category:   category,
		Key:        key,
		Value:      value,
		Source:     source,
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
	prefs[key] = p
	m.persistLocked(agentID)
	cp := *p
	return &cp, nil
}

// Get returns the preference for (agent, key).
func (m *Manager) Get(agentID, key string) (*Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	p, ok := prefs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// List returns the agent's preferences sorted by key.
func (m *Manager) List(agentID string) []*Preference {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		slog.Warn("prefs: load", "agent", agentID, "error", err)
		return nil
	}
	out := make([]*Preference, 0, len(prefs))
	for _, p := range prefs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Remove deletes one preference (the `forget` command).
func (m *Manager) Remove(agentID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		return err
	}
	if _, ok := prefs[key]; !ok {
		return ErrNotFound
	}
	delete(prefs, key)
	m.persistLocked(agentID)
	return nil
}

// IncrementUsage bumps usedCount and stamps lastUsedAt. Unknown keys are
// ignored; workers occasionally hallucinate markers.
func (m *Manager) IncrementUsage(agentID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		return
	}
	p, ok := prefs[key]
	if !ok {
		return
	}
	now := time.Now()
	p.UsedCount++
	p.LastUsedAt = &now
	m.persistLocked(agentID)
}

// DeleteForAgent removes every preference for the agent (fire cascade).
func (m *Manager) DeleteForAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, agentID)
	if err := m.store.DeletePreferences(agentID); err != nil {
		slog.Warn("prefs: delete", "agent", agentID, "error", err)
	}
}

// BuildPreferenceContext renders the agent's preferences as a compact
// newline list for prompt injection, or "" when none exist.
func (m *Manager) BuildPreferenceContext(agentID string) string {
	prefs := m.List(agentID)
	if len(prefs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known user preferences (cite with [Used preference: KEY] when one informs your work):\n")
	for _, p := range prefs {
		fmt.Fprintf(&b, "- %s: %s (%s, %s)\n", p.Key, p.Value, p.Category, p.Confidence)
	}
	return b.String()
}

// BuildExtractionPrompt builds the oracle prompt that mines a fresh
// operator reply for durable preferences.
func (m *Manager) BuildExtractionPrompt(agentID, userMessage, agentMessage, context string) string {
	var b strings.Builder
	b.WriteString("Analyze this exchange and extract any durable user preferences it reveals.\n\n")
	if context != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", context)
	}
	if agentMessage != "" {
		fmt.Fprintf(&b, "Agent asked: %s\n", agentMessage)
	}
	fmt.Fprintf(&b, "User replied: %s\n\n", userMessage)
	if existing := m.BuildPreferenceContext(agentID); existing != "" {
		b.WriteString("Already known:\n")
		b.WriteString(existing)
		b.WriteString("\n")
	}
	b.WriteString(`Respond with ONLY a JSON object of the form:
{"preferences": [{"category": "...", "key": "...", "value": "...", "confidence": "assumed|inferred|explicit"}]}
Use "explicit" only when the user stated the preference directly. Return {"preferences": []} if nothing durable was revealed.`)
	return b.String()
}

type extraction struct {
	Preferences []struct {
		Category   string `json:"category"`
		Key        string `json:"key"`
		Value      string `json:"value"`
		Confidence string `json:"confidence"`
	} `json:"preferences"`
}

// ParseAndStoreExtraction parses an oracle extraction response,
// tolerating surrounding prose and fenced code blocks, and upserts each
// preference found. Returns the number stored.
func (m *Manager) ParseAndStoreExtraction(agentID, oracleResponse, source string) (int, error) {
	var ex extraction
	if !jsonx.Unmarshal(oracleResponse, &ex) {
		return 0, fmt.Errorf("no preference object found in oracle response")
	}
	stored := 0
	for _, p := range ex.Preferences {
		if p.Key == "" || p.Value == "" {
			continue
		}
		conf := Confidence(p.Confidence)
		if _, ok := confidenceRank[conf]; !ok {
			conf = ConfidenceInferred
		}
		if _, err := m.AddPreference(agentID, p.Category, p.Key, p.Value, source, conf); err != nil {
			if errors.Is(err, ErrLowerConfidence) {
				continue
			}
			return stored, err
		}
		stored++
	}
	return stored, nil
}

var usageMarker = regexp.MustCompile(`\[Used preference: ([^\]]+)\]`)

// UsageMarkers returns the preference keys cited in worker output via
// [Used preference: KEY] markers.
func UsageMarkers(text string) []string {
	var keys []string
	for _, match := range usageMarker.FindAllStringSubmatch(text, -1) {
		if key := strings.TrimSpace(match[1]); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Manager) loadLocked(agentID string) (map[string]*Preference, error) {
	if prefs, ok := m.cache[agentID]; ok {
		return prefs, nil
	}
	loaded, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return nil, fmt.Errorf("prefs: load: %w", err)
	}
	prefs := make(map[string]*Preference, len(loaded))
	for _, p := range loaded {
		prefs[p.Key] = p
	}
	m.cache[agentID] = prefs
	return prefs, nil
}

func (m *Manager) persistLocked(agentID string) {
	prefs := m.cache[agentID]
	out := make([]*Preference, 0, len(prefs))
	for _, p := range prefs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if err := m.store.SavePreferences(agentID, out); err != nil {
		slog.Warn("prefs: persist", "agent", agentID, "error", err)
	}
}
