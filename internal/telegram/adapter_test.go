package telegram

import "testing"

func TestIsAllowed_EmptyAllowsEveryone(t *testing.T) {
	a := &Adapter{allowed: map[int64]bool{}}
	if !a.isAllowed(42) {
		t.Fatal("expected empty allowlist to allow everyone")
	}
}

func TestIsAllowed_RestrictsToList(t *testing.T) {
	a := &Adapter{allowed: map[int64]bool{7: true}}
	if !a.isAllowed(7) {
		t.Fatal("expected allowlisted user to be allowed")
	}
	if a.isAllowed(8) {
		t.Fatal("expected non-allowlisted user to be denied")
	}
}

func TestSeen_DetectsDuplicatesAndEvicts(t *testing.T) {
	a := &Adapter{dedupSet: map[int]bool{}}

	if a.seen(1) {
		t.Fatal("first sighting of update 1 should not be seen")
	}
	if !a.seen(1) {
		t.Fatal("second sighting of update 1 should be seen")
	}

	// Fill past ring capacity so update 1 gets evicted, then it should
	// register as new again.
	for i := 2; i <= dedupRingSize+1; i++ {
		a.seen(i)
	}
	if a.seen(1) {
		t.Fatal("expected update 1 to have been evicted from the ring")
	}
}

func TestChannelID_Format(t *testing.T) {
	if got := channelID(12345); got != "telegram:12345" {
		t.Fatalf("unexpected channel id: %s", got)
	}
}

func TestTruncateForTelegram(t *testing.T) {
	short := "hello"
	if truncateForTelegram(short) != short {
		t.Fatal("short text should be unchanged")
	}

	long := make([]byte, telegramMaxLen+10)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateForTelegram(string(long))
	if len(got) != telegramMaxLen {
		t.Fatalf("expected truncated length %d, got %d", telegramMaxLen, len(got))
	}
}

func TestToolLineRender(t *testing.T) {
	l := toolLine{name: "search"}
	if got := l.render(); got != "⏳ search" {
		t.Fatalf("unexpected pending render: %q", got)
	}

	l.done = true
	l.ok = true
	if got := l.render(); got != "✅ search" {
		t.Fatalf("unexpected success render: %q", got)
	}

	l.ok = false
	if got := l.render(); got != "❌ search" {
		t.Fatalf("unexpected failure render: %q", got)
	}

	l.detail = "query=foo"
	if got := l.render(); got != "❌ search — query=foo" {
		t.Fatalf("unexpected detail render: %q", got)
	}
}
