package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortmem"
)

// fakeAgentServer serves /api/sessions and the stream endpoint with a
// scripted single-token response.
func fakeAgentServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sess_1"}`)
	})
	mux.HandleFunc("/api/sessions/sess_1/agent/test-agent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: agent_choice\ndata: {\"content\":%q}\n\n", reply)
	})
	return httptest.NewServer(mux)
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server, mode session.Mode) *Orchestrator {
	t.Helper()
	client := agentclient.New(srv.URL, "test-agent", 5*time.Second)
	sessStore, err := session.NewStore(filepath.Join(t.TempDir(), "session.json"), session.Config{MaxQueueSize: 10})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stmStore, err := shortmem.NewStore(filepath.Join(t.TempDir(), "shortmem.json"), 20, 1500)
	if err != nil {
		t.Fatalf("shortmem.NewStore: %v", err)
	}
	return New(Config{
		AgentClient:     client,
		SessionStore:    sessStore,
		ShortTermMemory: stmStore,
		Mode:            mode,
		DebounceMs:      50,
	})
}

func TestSend_CreatesSessionAndReturnsText(t *testing.T) {
	srv := fakeAgentServer(t, "hello there")
	defer srv.Close()

	o := newTestOrchestrator(t, srv, session.ModeFollowup)
	text, err := o.Send(context.Background(), "chan1", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("expected %q, got %q", "hello there", text)
	}
	if o.sess.GetSessionID() != "sess_1" {
		t.Fatalf("expected session id sess_1, got %q", o.sess.GetSessionID())
	}
}

func TestSendStream_QueuesWhenBusy(t *testing.T) {
	srv := fakeAgentServer(t, "ok")
	defer srv.Close()

	o := newTestOrchestrator(t, srv, session.ModeFollowup)
	o.sess.SetBusy(true)

	done := make(chan struct{})
	var queuedPos int
	go func() {
		_, _ = o.SendStream(context.Background(), "chan1", "queued message", Callbacks{
			OnQueued: func(pos int) { queuedPos = pos },
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if queuedPos != 1 {
		t.Fatalf("expected queued position 1, got %d", queuedPos)
	}
	// Release the slot the way a finishing turn does: clear busy, then
	// re-arm the drain for the non-empty queue.
	o.sess.SetBusy(false)
	o.scheduleDrain()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued turn to drain")
	}
}

func TestStop_ClearsQueue(t *testing.T) {
	srv := fakeAgentServer(t, "ok")
	defer srv.Close()

	o := newTestOrchestrator(t, srv, session.ModeCollect)
	o.sess.SetBusy(true)

	entry := &session.QueueEntry{Message: "a", Result: make(chan session.Result, 1)}
	o.sess.Enqueue(entry)

	stopped, cleared := o.Stop()
	if stopped {
		t.Fatal("expected stopped=false (no abort handle set while queued-only)")
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}
	res := <-entry.Result
	if res.Err != session.ErrQueueCleared {
		t.Fatalf("expected ErrQueueCleared, got %v", res.Err)
	}
}
