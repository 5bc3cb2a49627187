package scheduler

import (
	"testing"
	"time"
)

func TestStore_CreateGetCancel(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	due := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	sched, err := s.Create(CreateInput{Due: due, Message: "hi", Channel: "telegram:42"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sched.Status != StatusPending {
		t.Fatalf("expected pending, got %v", sched.Status)
	}
	if len(sched.ID) < 4 || sched.ID[:4] != "sch_" {
		t.Fatalf("expected sch_ prefixed id, got %q", sched.ID)
	}

	got, err := s.Get(sched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != "hi" {
		t.Fatalf("expected message hi, got %q", got.Message)
	}

	cancelled, err := s.Cancel(sched.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", cancelled.Status)
	}

	if _, err := s.Cancel(sched.ID); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending on double-cancel, got %v", err)
	}
}

func TestStore_GetDue(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	dueSched, _ := s.Create(CreateInput{Due: past, Message: "past", Channel: "telegram:1"})
	s.Create(CreateInput{Due: future, Message: "future", Channel: "telegram:1"})

	due, err := s.GetDue(time.Now().UTC())
	if err != nil {
		t.Fatalf("GetDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueSched.ID {
		t.Fatalf("expected exactly the past schedule due, got %+v", due)
	}
}

func TestStore_PrunesNonPendingOnLoad(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sched, _ := s1.Create(CreateInput{Due: time.Now().UTC(), Message: "hi", Channel: "telegram:1"})
	s1.MarkDelivered(sched.ID, time.Now().UTC())

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	if _, err := s2.Get(sched.ID); err != ErrNotFound {
		t.Fatalf("expected delivered schedule pruned on reload, got err=%v", err)
	}
}
