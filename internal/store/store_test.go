package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drillcontrol/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit", "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "drill.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRoundLifecycle(t *testing.T) {
	s := newTestStore(t)

	r, err := s.CreateRound("hole-7", "plans/hole7.yaml")
	if err != nil {
		t.Fatalf("CreateRound: %v", err)
	}
	if r.ID == "" {
		t.Fatal("round id is empty")
	}

	got, err := s.GetRound(r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRound: %v %v", got, err)
	}
	if got.Label != "hole-7" || got.TaskFile != "plans/hole7.yaml" || got.EndedAt != nil {
		t.Fatalf("round = %+v", got)
	}

	if err := s.FinishRound(r.ID, "finished"); err != nil {
		t.Fatalf("FinishRound: %v", err)
	}
	got, _ = s.GetRound(r.ID)
	if got.Outcome != "finished" || got.EndedAt == nil {
		t.Fatalf("finished round = %+v", got)
	}

	if err := s.FinishRound("missing", "error"); err == nil {
		t.Fatal("finishing an unknown round succeeded")
	}
	if missing, err := s.GetRound("missing"); err != nil || missing != nil {
		t.Fatalf("GetRound(missing) = %v, %v", missing, err)
	}

	rounds, err := s.ListRounds(0)
	if err != nil || len(rounds) != 1 {
		t.Fatalf("ListRounds = %v, %v", rounds, err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	r, _ := s.CreateRound("hole-1", "a.json")

	records := []types.AuditRecord{
		{RoundID: r.ID, TaskFile: "a.json", StepIndex: 0, State: "state_changed:preparing", Reason: "task started"},
		{RoundID: r.ID, TaskFile: "a.json", StepIndex: 0, State: "fault_occurred:drilling", Reason: "TORQUE_OVERLIMIT",
			Telemetry: types.Sample{Depth: 120, Torque: 1300, UpperForce: 3000}},
		{RoundID: "other", StepIndex: 2, State: "task_failed:error"},
	}
	for _, rec := range records {
		rec.At = time.Now()
		if _, err := s.AppendEvent(rec); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.ListEvents(r.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].State != "state_changed:preparing" || events[1].Reason != "TORQUE_OVERLIMIT" {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].Telemetry.Torque != 1300 || events[1].Telemetry.Depth != 120 {
		t.Fatalf("telemetry = %+v", events[1].Telemetry)
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Fatal("event ids not unique")
	}
}

type blockingWriter struct {
	mu      sync.Mutex
	gate    chan struct{}
	records []types.AuditRecord
	err     error
}

func (w *blockingWriter) AppendEvent(rec types.AuditRecord) (string, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.records = append(w.records, rec)
	return "id", nil
}

func (w *blockingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func TestRecorderFlushesOnStop(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, 16)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := rec.Append(types.AuditRecord{RoundID: "r1", StepIndex: i, State: "step_started:drilling"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events, err := s.ListEvents("r1")
	if err != nil || len(events) != 10 {
		t.Fatalf("events = %d, err = %v", len(events), err)
	}
	if !errors.Is(rec.Append(types.AuditRecord{}), ErrRecorderStopped) {
		t.Fatal("Append after Stop should fail")
	}
}

func TestRecorderNeverBlocks(t *testing.T) {
	w := &blockingWriter{gate: make(chan struct{})}
	rec := NewRecorder(w, 2)
	rec.Start(context.Background())

	// 写线程卡在第一条，队列容量 2
	var full int
	for i := 0; i < 10; i++ {
		if errors.Is(rec.Append(types.AuditRecord{StepIndex: i}), ErrRecorderFull) {
			full++
		}
	}
	if full < 7 {
		t.Fatalf("full = %d, want at least 7", full)
	}

	close(w.gate)
	rec.Stop()
	if w.count()+full != 10 {
		t.Fatalf("written %d + dropped %d != 10", w.count(), full)
	}
}

func TestRecorderSwallowsWriteErrors(t *testing.T) {
	w := &blockingWriter{err: errors.New("disk full")}
	rec := NewRecorder(w, 4)
	rec.Start(context.Background())
	rec.Append(types.AuditRecord{})
	rec.Stop()

	st := rec.Status().(map[string]interface{})
	if st["failed"].(uint64) != 1 || st["written"].(uint64) != 0 {
		t.Fatalf("status = %v", st)
	}
}
