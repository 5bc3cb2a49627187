package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/adapter"
	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	"github.com/mobyclaw/mobyclaw/internal/channel"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/scheduler"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortmem"
)

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

func newTestServer(t *testing.T, agentSrv *httptest.Server) *Server {
	t.Helper()
	dir := t.TempDir()

	client := agentclient.New(agentSrv.URL, "test-agent", 5*time.Second)
	sessStore, err := session.NewStore(filepath.Join(dir, "session.json"), session.Config{MaxQueueSize: 10})
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	stmStore, err := shortmem.NewStore(filepath.Join(dir, "shortmem.json"), 20, 1500)
	if err != nil {
		t.Fatalf("shortmem.NewStore: %v", err)
	}
	chanStore, err := channel.NewStore(filepath.Join(dir, "channels.json"))
	if err != nil {
		t.Fatalf("channel.NewStore: %v", err)
	}
	schedStore, err := scheduler.NewStore(filepath.Join(dir, "schedules"))
	if err != nil {
		t.Fatalf("scheduler.NewStore: %v", err)
	}
	registry := adapter.NewRegistry()

	orch := orchestrator.New(orchestrator.Config{
		AgentClient:     client,
		SessionStore:    sessStore,
		ShortTermMemory: stmStore,
		Mode:            session.ModeFollowup,
		DebounceMs:      50,
	})

	return NewServer(Config{
		Orchestrator: orch,
		SessionStore: sessStore,
		Channels:     chanStore,
		Schedules:    schedStore,
		Adapters:     registry,
	})
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, r)
	return w
}

func TestHandleHealth(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	w := doRequest(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleChannels(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)
	srv.channels.Track("telegram:123")

	w := doRequest(t, srv, http.MethodGet, "/api/channels", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["default"] != "telegram:123" {
		t.Fatalf("expected default channel, got %v", resp["default"])
	}
}

func TestHandleCreateAndCancelSchedule(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	due := time.Now().Add(time.Hour)
	w := doRequest(t, srv, http.MethodPost, "/api/schedules", map[string]any{
		"due":     due,
		"message": "reminder",
		"channel": "telegram:123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created scheduler.Schedule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	w2 := doRequest(t, srv, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 cancelling, got %d: %s", w2.Code, w2.Body.String())
	}

	w3 := doRequest(t, srv, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	if w3.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double-cancel, got %d", w3.Code)
	}
}

func TestHandleCreateSchedule_RequiresMessageOrPrompt(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	w := doRequest(t, srv, http.MethodPost, "/api/schedules", map[string]any{
		"due": time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandlePrompt(t *testing.T) {
	agentSrv := fakeAgentServer(t, "hello from agent")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	w := doRequest(t, srv, http.MethodPost, "/prompt", map[string]string{"message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["response"] != "hello from agent" {
		t.Fatalf("unexpected response: %q", resp["response"])
	}
}

func TestHandleStop(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	w := doRequest(t, srv, http.MethodPost, "/api/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleDeliver_UnknownPlatform(t *testing.T) {
	agentSrv := fakeAgentServer(t, "ignored")
	defer agentSrv.Close()
	srv := newTestServer(t, agentSrv)

	w := doRequest(t, srv, http.MethodPost, "/api/deliver", map[string]string{
		"channel": "telegram:999",
		"message": "hi",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unregistered platform, got %d", w.Code)
	}
}
