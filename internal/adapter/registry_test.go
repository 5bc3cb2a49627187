package adapter

import "testing"

func TestDeliver_RoutesToRegisteredPlatform(t *testing.T) {
	r := NewRegistry()
	var gotID, gotText string
	r.Register("telegram", func(id, text string) error {
		gotID, gotText = id, text
		return nil
	})

	if err := r.Deliver("telegram:12345", "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotID != "12345" || gotText != "hello" {
		t.Fatalf("unexpected dispatch: id=%q text=%q", gotID, gotText)
	}
}

func TestDeliver_UnknownPlatform(t *testing.T) {
	r := NewRegistry()
	if err := r.Deliver("discord:1", "hi"); err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestDeliver_MalformedChannel(t *testing.T) {
	r := NewRegistry()
	if err := r.Deliver("no-colon-here", "hi"); err == nil {
		t.Fatal("expected error for malformed channel id")
	}
}
