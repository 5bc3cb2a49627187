// Package gateway is the single HTTP entry point for mobyclaw: health and
// status introspection, channel/schedule CRUD, proactive delivery, and the
// buffered/streaming prompt endpoints that front the Orchestrator.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobyclaw/mobyclaw/internal/adapter"
	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	"github.com/mobyclaw/mobyclaw/internal/channel"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/scheduler"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

// Server is the mobyclaw gateway HTTP server.
type Server struct {
	httpServer *http.Server
	orch       *orchestrator.Orchestrator
	sess       *session.Store
	channels   *channel.Store
	schedules  *scheduler.Store
	adapters   *adapter.Registry
	log        *slog.Logger
	startedAt  time.Time
}

// Config wires a Server's dependencies.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	SessionStore *session.Store
	Channels     *channel.Store
	Schedules    *scheduler.Store
	Adapters     *adapter.Registry
	Host         string
	Port         int
	Logger       *slog.Logger
}

// NewServer builds a Server and its chi router from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		orch:      cfg.Orchestrator,
		sess:      cfg.SessionStore,
		channels:  cfg.Channels,
		schedules: cfg.Schedules,
		adapters:  cfg.Adapters,
		log:       logger,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/api/channels", s.handleChannels)
	r.Get("/api/schedules", s.handleListSchedules)
	r.Post("/api/schedules", s.handleCreateSchedule)
	r.Delete("/api/schedules/{id}", s.handleCancelSchedule)
	r.Post("/api/deliver", s.handleDeliver)
	r.Post("/api/stop", s.handleStop)
	r.Post("/prompt", s.handlePrompt)
	r.Post("/prompt/stream", s.handlePromptStream)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		ln = tcpNoDelayListener{tl}
	}
	s.log.Info("mobyclaw gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// tcpNoDelayListener sets TCP_NODELAY on every accepted connection, per the
// SSE transport contract.
type tcpNoDelayListener struct {
	*net.TCPListener
}

func (l tcpNoDelayListener) Accept() (net.Conn, error) {
	c, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	c.SetNoDelay(true)
	return c, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.Snapshot()
	pending, _ := s.schedules.List(scheduler.StatusPending)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        snap.SessionID,
		"session_busy":      snap.Busy,
		"queue_length":      s.sess.QueueLen(),
		"queue_mode":        string(s.orch.Mode()),
		"last_activity":     snap.LastActivity,
		"known_channels":    s.channels.GetAll(),
		"schedules_pending": len(pending),
		"uptime":            time.Since(s.startedAt).String(),
		"channels":          s.channels.GetAll(),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": s.channels.GetAll(),
		"default":  s.channels.GetDefault(),
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	status := scheduler.Status(r.URL.Query().Get("status"))
	list, err := s.schedules.List(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createScheduleRequest struct {
	Due     time.Time `json:"due"`
	Message string    `json:"message"`
	Prompt  string     `json:"prompt"`
	Channel string     `json:"channel"`
	Repeat  string     `json:"repeat"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Due.IsZero() {
		writeError(w, http.StatusBadRequest, "due is required")
		return
	}
	if req.Message == "" && req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "one of message or prompt is required")
		return
	}
	if req.Channel == "" {
		req.Channel = s.channels.GetDefault()
	}

	sched, err := s.schedules.Create(scheduler.CreateInput{
		Due:     req.Due,
		Message: req.Message,
		Prompt:  req.Prompt,
		Channel: req.Channel,
		Repeat:  req.Repeat,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.schedules.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type deliverRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.adapters.Deliver(req.Channel, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered", "channel": req.Channel})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped, cleared := s.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "queue_cleared": cleared})
}

type promptRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	text, err := s.orch.Send(r.Context(), "api:http", s.enrich(r.Context(), "api:http", req.Message))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": text, "session_id": s.sess.GetSessionID()})
}

// enrich prepends the channel-context line for external inbound messages;
// reserved channel prefixes (api, cli, heartbeat, schedule) are exempt.
func (s *Server) enrich(_ context.Context, channelID, message string) string {
	if channel.IsReserved(channelID) {
		return message
	}
	s.channels.Track(channelID)
	def := s.channels.GetDefault()
	line := fmt.Sprintf("[context: channel=%s, time=%s", channelID, time.Now().UTC().Format(time.RFC3339))
	if def != "" && def != channelID {
		line += fmt.Sprintf(", default_channel=%s", def)
	}
	line += "]"
	return line + "\n" + message
}

// handlePromptStream streams a turn as Server-Sent Events. Disconnect is
// detected via the response connection's own lifecycle (r.Context(), which
// the Go HTTP server cancels when the underlying socket closes) rather than
// relying on the request body being fully read, since the POST body is
// consumed long before a client actually disconnects.
func (s *Server) handlePromptStream(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	cb := orchestrator.Callbacks{
		Callbacks: agentCallbacksFor(send),
		OnQueued: func(position int) {
			send("queued", map[string]int{"position": position})
		},
	}

	channelID := "api:http"
	message := s.enrich(ctx, channelID, req.Message)
	res, err := s.orch.SendStream(ctx, channelID, message, cb)
	if err != nil {
		if ctx.Err() != nil {
			return // client disconnected; nothing left to stream to.
		}
		send("error", map[string]string{"message": err.Error()})
		return
	}
	send("done", map[string]string{"text": res.Text, "session_id": s.sess.GetSessionID()})
}

func agentCallbacksFor(send func(event string, payload any)) agentclient.Callbacks {
	return agentclient.Callbacks{
		OnToken: func(text string) {
			send("token", map[string]string{"text": text})
		},
		OnToolStart: func(name string) {
			send("tool", map[string]any{"name": name, "status": "start"})
		},
		OnToolDetail: func(name string, args map[string]any) {
			send("tool", map[string]any{"name": name, "status": "detail", "detail": args})
		},
		OnToolEnd: func(name string, success bool) {
			send("tool", map[string]any{"name": name, "status": "done", "success": success})
		},
		OnError: func(message string) {
			send("error", map[string]string{"message": message})
		},
	}
}
