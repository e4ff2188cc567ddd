package tasks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/workfarm/internal/bus"
)

type memStore struct {
	tasks []*Task
}

func (s *memStore) LoadTasks() ([]*Task, error) { return s.tasks, nil }
func (s *memStore) SaveTasks(t []*Task) error   { s.tasks = t; return nil }

func newTestManager(t *testing.T) (*Manager, *bus.EventBus) {
	t.Helper()
	b := bus.New()
	m, err := NewManager(&memStore{}, b)
	if err != nil {
		t.Fatal(err)
	}
	return m, b
}

func TestLifecycleTopics(t *testing.T) {
	m, b := newTestManager(t)
	var topics []string
	b.SubscribeAll(func(ev bus.Event) { topics = append(topics, ev.Topic) })

	task := m.Create("do a thing", "agent-1")
	if err := m.Start(task.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	want := []string{bus.TopicTaskCreated, bus.TopicTaskStarted, bus.TopicTaskCompleted}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("topics[%d] = %q, want %q", i, topics[i], want[i])
		}
	}

	got, _ := m.Get(task.ID)
	if got.Status != StatusCompleted || got.Result != "done" {
		t.Errorf("task = %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestFail(t *testing.T) {
	m, _ := newTestManager(t)
	task := m.Create("x", "a")
	if err := m.Fail(task.ID, "interrupted by restart"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(task.ID)
	if got.Status != StatusFailed || got.Result != "interrupted by restart" {
		t.Errorf("task = %+v", got)
	}
}

func TestLogRingBuffer(t *testing.T) {
	m, _ := newTestManager(t)
	task := m.Create("x", "a")

	for i := 0; i < LogLimit+25; i++ {
		if err := m.AddLog(task.ID, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := m.Get(task.ID)
	if len(got.Logs) != LogLimit {
		t.Fatalf("logs len = %d, want %d", len(got.Logs), LogLimit)
	}
	if got.Logs[0].Message != "line 25" {
		t.Errorf("oldest log = %q, want line 25", got.Logs[0].Message)
	}
}

func TestListForAgent(t *testing.T) {
	m, _ := newTestManager(t)
	m.Create("a1 task", "a1")
	m.Create("a2 task", "a2")
	m.Create("another a1", "a1")

	got := m.ListForAgent("a1")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestDeleteForAgent(t *testing.T) {
	m, _ := newTestManager(t)
	keep := m.Create("keep", "a2")
	m.Create("drop", "a1")

	m.DeleteForAgent("a1")

	if len(m.List()) != 1 {
		t.Fatalf("list = %v", m.List())
	}
	if _, err := m.Get(keep.ID); err != nil {
		t.Error("unrelated task deleted")
	}
}

func TestGetUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	st := &memStore{}
	b := bus.New()
	m1, _ := NewManager(st, b)
	task := m1.Create("persisted", "a1")
	m1.Start(task.ID)

	m2, err := NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m2.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress || got.Description != "persisted" {
		t.Errorf("task = %+v", got)
	}
}
