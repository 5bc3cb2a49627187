package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/adapter"
)

type fakeSender struct {
	response string
	err      error
}

func (f *fakeSender) Send(ctx context.Context, channelID, message string) (string, error) {
	return f.response, f.err
}

func TestLoop_DeliversPlainMessage(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sched, err := s.Create(CreateInput{Due: time.Now().UTC().Add(-time.Minute), Message: "hi", Channel: "telegram:42"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reg := adapter.NewRegistry()
	var gotID, gotText string
	reg.Register("telegram", func(id, text string) error {
		gotID, gotText = id, text
		return nil
	})

	loop := NewLoop(s, reg, &fakeSender{}, time.Second, nil)
	loop.Tick(context.Background())

	if gotID != "42" || gotText != "hi" {
		t.Fatalf("expected delivery to 42 with text hi, got id=%q text=%q", gotID, gotText)
	}
	got, err := s.Get(sched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %v", got.Status)
	}
}

func TestLoop_PromptFallsBackToMessageOnEmptyResponse(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Create(CreateInput{
		Due:     time.Now().UTC().Add(-time.Minute),
		Prompt:  "Say hi",
		Message: "Fallback",
		Channel: "telegram:42",
	})

	reg := adapter.NewRegistry()
	var gotText string
	reg.Register("telegram", func(id, text string) error {
		gotText = text
		return nil
	})

	loop := NewLoop(s, reg, &fakeSender{response: ""}, time.Second, nil)
	loop.Tick(context.Background())

	if gotText != "Fallback" {
		t.Fatalf("expected fallback text, got %q", gotText)
	}
}

func TestLoop_DeliveryFailureKeepsSchedulePending(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sched, _ := s.Create(CreateInput{Due: time.Now().UTC().Add(-time.Minute), Message: "hi", Channel: "telegram:42"})

	reg := adapter.NewRegistry() // no sender registered -> Deliver fails
	loop := NewLoop(s, reg, &fakeSender{}, time.Second, nil)
	loop.Tick(context.Background())

	got, err := s.Get(sched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected still pending after delivery failure, got %v", got.Status)
	}
}

func TestLoop_RepeatCreatesClone(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Create(CreateInput{
		Due:     time.Now().UTC().Add(-time.Minute),
		Message: "hi",
		Channel: "telegram:42",
		Repeat:  "daily",
	})

	reg := adapter.NewRegistry()
	reg.Register("telegram", func(id, text string) error { return nil })

	loop := NewLoop(s, reg, &fakeSender{}, time.Second, nil)
	loop.Tick(context.Background())

	pending, err := s.List(StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one recurring clone pending, got %d", len(pending))
	}
}
