package prefs

import (
	"errors"
	"strings"
	"testing"
)

type memStore struct {
	prefs map[string][]*Preference
}

func newMemStore() *memStore {
	return &memStore{prefs: make(map[string][]*Preference)}
}

func (s *memStore) LoadPreferences(agentID string) ([]*Preference, error) {
	return s.prefs[agentID], nil
}
func (s *memStore) SavePreferences(agentID string, prefs []*Preference) error {
	s.prefs[agentID] = prefs
	return nil
}
func (s *memStore) DeletePreferences(agentID string) error {
	delete(s.prefs, agentID)
	return nil
}

func TestConfidenceUpsert(t *testing.T) {
	m := NewManager(newMemStore())

	if _, err := m.AddPreference("a1", "tooling", "db_driver", "mysql", "", ConfidenceInferred); err != nil {
		t.Fatal(err)
	}

	// Equal confidence overwrites.
	if _, err := m.AddPreference("a1", "tooling", "db_driver", "postgres", "", ConfidenceInferred); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get("a1", "db_driver")
	if got.Value != "postgres" {
		t.Errorf("value = %q, want postgres", got.Value)
	}

	// Higher confidence overwrites.
	if _, err := m.AddPreference("a1", "tooling", "db_driver", "sqlite", "reply", ConfidenceExplicit); err != nil {
		t.Fatal(err)
	}

	// Strictly lower confidence is rejected.
	if _, err := m.AddPreference("a1", "tooling", "db_driver", "mongo", "", ConfidenceAssumed); !errors.Is(err, ErrLowerConfidence) {
		t.Errorf("err = %v, want ErrLowerConfidence", err)
	}
	got, _ = m.Get("a1", "db_driver")
	if got.Value != "sqlite" || got.Confidence != ConfidenceExplicit {
		t.Errorf("pref = %+v", got)
	}
}

func TestRemoveAndIncrementUsage(t *testing.T) {
	m := NewManager(newMemStore())
	m.AddPreference("a1", "style", "commit_style", "conventional", "", ConfidenceExplicit)

	m.IncrementUsage("a1", "commit_style")
	m.IncrementUsage("a1", "commit_style")
	m.IncrementUsage("a1", "never_set") // no-op

	got, _ := m.Get("a1", "commit_style")
	if got.UsedCount != 2 || got.LastUsedAt == nil {
		t.Errorf("pref = %+v", got)
	}

	if err := m.Remove("a1", "commit_style"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("a1", "commit_style"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := m.Remove("a1", "commit_style"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double remove = %v, want ErrNotFound", err)
	}
}

func TestBuildPreferenceContext(t *testing.T) {
	m := NewManager(newMemStore())
	if ctx := m.BuildPreferenceContext("a1"); ctx != "" {
		t.Errorf("empty agent context = %q", ctx)
	}

	m.AddPreference("a1", "tooling", "db_driver", "postgres", "", ConfidenceExplicit)
	m.AddPreference("a1", "style", "commit_style", "conventional", "", ConfidenceInferred)

	ctx := m.BuildPreferenceContext("a1")
	if !strings.Contains(ctx, "db_driver: postgres") || !strings.Contains(ctx, "commit_style: conventional") {
		t.Errorf("context = %q", ctx)
	}
	if !strings.Contains(ctx, "[Used preference: KEY]") {
		t.Error("context missing usage-marker instruction")
	}
	// Keys render in sorted order.
	if strings.Index(ctx, "commit_style") > strings.Index(ctx, "db_driver") {
		t.Error("context not sorted by key")
	}
}

func TestParseAndStoreExtraction(t *testing.T) {
	m := NewManager(newMemStore())

	resp := "Sure, here are the preferences I found:\n```json\n" +
		`{"preferences": [
			{"category": "tooling", "key": "db_driver", "value": "postgres", "confidence": "explicit"},
			{"category": "style", "key": "indent", "value": "tabs", "confidence": "nonsense"},
			{"category": "style", "key": "", "value": "dropped"}
		]}` + "\n```\nLet me know if you need more."

	n, err := m.ParseAndStoreExtraction("a1", resp, "reply")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}
	got, _ := m.Get("a1", "db_driver")
	if got.Confidence != ConfidenceExplicit || got.Source != "reply" {
		t.Errorf("pref = %+v", got)
	}
	// Unknown confidence values degrade to inferred.
	got, _ = m.Get("a1", "indent")
	if got.Confidence != ConfidenceInferred {
		t.Errorf("confidence = %q, want inferred", got.Confidence)
	}
}

func TestParseExtractionNoJSON(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.ParseAndStoreExtraction("a1", "nothing to extract here", ""); err == nil {
		t.Error("expected error for prose-only response")
	}
}

func TestParseExtractionSkipsLowerConfidence(t *testing.T) {
	m := NewManager(newMemStore())
	m.AddPreference("a1", "tooling", "db_driver", "postgres", "", ConfidenceExplicit)

	n, err := m.ParseAndStoreExtraction("a1",
		`{"preferences": [{"category": "tooling", "key": "db_driver", "value": "mysql", "confidence": "assumed"}]}`, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stored = %d, want 0", n)
	}
	got, _ := m.Get("a1", "db_driver")
	if got.Value != "postgres" {
		t.Errorf("value = %q, want postgres", got.Value)
	}
}

func TestUsageMarkers(t *testing.T) {
	text := "Done. [Used preference: db_driver] and also [Used preference: commit_style].\nNo marker here."
	keys := UsageMarkers(text)
	if len(keys) != 2 || keys[0] != "db_driver" || keys[1] != "commit_style" {
		t.Errorf("keys = %v", keys)
	}
	if got := UsageMarkers("plain text"); got != nil {
		t.Errorf("keys = %v, want nil", got)
	}
}

func TestDeleteForAgent(t *testing.T) {
	st := newMemStore()
	m := NewManager(st)
	m.AddPreference("a1", "c", "k", "v", "", ConfidenceAssumed)
	m.AddPreference("a2", "c", "k", "v", "", ConfidenceAssumed)

	m.DeleteForAgent("a1")

	if got := m.List("a1"); len(got) != 0 {
		t.Errorf("a1 prefs = %v", got)
	}
	if got := m.List("a2"); len(got) != 1 {
		t.Errorf("a2 prefs = %v", got)
	}
	if _, ok := st.prefs["a1"]; ok {
		t.Error("store file not deleted")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	st := newMemStore()
	m1 := NewManager(st)
	m1.AddPreference("a1", "tooling", "db_driver", "postgres", "reply", ConfidenceExplicit)
	m1.IncrementUsage("a1", "db_driver")

	m2 := NewManager(st)
	got, err := m2.Get("a1", "db_driver")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "postgres" || got.UsedCount != 1 {
		t.Errorf("pref = %+v", got)
	}
}
