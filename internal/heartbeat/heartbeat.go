// Package heartbeat drives the periodic reflection/exploration tick: a
// self-generated turn sent through the orchestrator so the agent can update
// its own state, journal, and occasionally explore a topic, without any
// user having prompted it.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/channel"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

// Sender is the subset of Orchestrator the heartbeat needs.
type Sender interface {
	Send(ctx context.Context, channelID, message string) (string, error)
}

const quietResponse = "HEARTBEAT_OK"

// Config wires a Heartbeat's dependencies and tunables.
type Config struct {
	StatePath        string
	ExplorationsDir  string
	SelfPath         string
	InnerStatePath   string
	Interval         time.Duration // default 15m
	ActiveHoursStart string        // "HH:MM", default "07:00"
	ActiveHoursEnd   string        // "HH:MM", default "23:00"
	Location         *time.Location
	ExplorationEnabled   bool
	ExplorationFrequency int // default 4
	ExplorationMaxFetches int // default 1
	ExplorationWords      int // default 300
	MaxFailures           int // default 2
	Sender   Sender
	Sessions *session.Store
	Channels *channel.Store
	Logger   *slog.Logger
}

// state is persisted at <data_root>/state/heartbeat-state.json.
type state struct {
	HeartbeatCount  int       `json:"heartbeat_count"`
	LastExploration time.Time `json:"last_exploration"`
}

// Heartbeat drives the periodic reflection/exploration tick.
type Heartbeat struct {
	cfg Config
	log *slog.Logger

	mu                  sync.Mutex
	running             bool
	consecutiveFailures int
	lastKnownSessionID  string
	st                  state

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Heartbeat from cfg, applying documented defaults and
// loading any persisted state.
func New(cfg Config) (*Heartbeat, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.ActiveHoursStart == "" {
		cfg.ActiveHoursStart = "07:00"
	}
	if cfg.ActiveHoursEnd == "" {
		cfg.ActiveHoursEnd = "23:00"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ExplorationFrequency <= 0 {
		cfg.ExplorationFrequency = 4
	}
	if cfg.ExplorationMaxFetches <= 0 {
		cfg.ExplorationMaxFetches = 1
	}
	if cfg.ExplorationWords <= 0 {
		cfg.ExplorationWords = 300
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Heartbeat{cfg: cfg, log: logger}
	if err := h.loadState(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Heartbeat) loadState() error {
	if h.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(h.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &h.st)
}

func (h *Heartbeat) persistState() error {
	if h.cfg.StatePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.cfg.StatePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h.st, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.cfg.StatePath)
}

// Start begins ticking in a background goroutine.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Tick(ctx)
			}
		}
	}()
}

// Stop halts the background ticker.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one heartbeat evaluation, applying every skip condition before
// composing and sending a self-turn.
func (h *Heartbeat) Tick(ctx context.Context) {
	if !h.withinActiveHours(time.Now().In(h.cfg.Location)) {
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	currentSessionID := ""
	if h.cfg.Sessions != nil {
		currentSessionID = h.cfg.Sessions.GetSessionID()
	}

	h.mu.Lock()
	if h.consecutiveFailures >= h.cfg.MaxFailures && currentSessionID == h.lastKnownSessionID {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if h.cfg.Sessions != nil && (h.cfg.Sessions.IsBusy() || h.cfg.Sessions.QueueLen() > 0) {
		return
	}

	h.mu.Lock()
	h.st.HeartbeatCount++
	isExploration := h.cfg.ExplorationEnabled && h.st.HeartbeatCount%h.cfg.ExplorationFrequency == 0
	if isExploration {
		h.st.LastExploration = time.Now().UTC()
	}
	count := h.st.HeartbeatCount
	h.mu.Unlock()
	if err := h.persistState(); err != nil {
		h.log.Warn("heartbeat: failed to persist state", "error", err)
	}

	prompt := h.composePrompt(count, isExploration)

	resp, err := h.cfg.Sender.Send(ctx, "heartbeat:main", prompt)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastKnownSessionID = currentSessionID
	if err != nil {
		h.consecutiveFailures++
		h.log.Warn("heartbeat turn failed", "error", err, "consecutive_failures", h.consecutiveFailures)
		return
	}
	h.consecutiveFailures = 0
	if strings.TrimSpace(resp) == quietResponse {
		h.log.Debug("heartbeat: quiet tick")
	}
}

func (h *Heartbeat) withinActiveHours(now time.Time) bool {
	start, ok1 := parseHHMM(h.cfg.ActiveHoursStart)
	end, ok2 := parseHHMM(h.cfg.ActiveHoursEnd)
	if !ok1 || !ok2 {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	// Wrapped window, e.g. 22:00-06:00.
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

func (h *Heartbeat) composePrompt(count int, exploration bool) string {
	kind := "reflection"
	if exploration {
		kind = "exploration"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[HEARTBEAT timestamp=%s type=%s count=%d]\n\n", time.Now().UTC().Format(time.RFC3339), kind, count)

	b.WriteString("Known channels:\n")
	if h.cfg.Channels != nil {
		all := h.cfg.Channels.GetAll()
		def := h.cfg.Channels.GetDefault()
		for platform, id := range all {
			marker := ""
			if id == def {
				marker = " (default)"
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", platform, id, marker)
		}
	}
	b.WriteString("\n")

	b.WriteString("Files you may read: SELF.md, state/inner.json, explorations/*.md\n\n")

	if exploration {
		fmt.Fprintf(&b, "Pick one topic from your curiosity queue. Make at most %d web fetch(es). "+
			"Write a roughly %d-word summary and save it under explorations/YYYY-MM-DD-<slug>.md "+
			"with frontmatter (topic:, date:, source:). Then briefly do a reflection pass below.\n\n",
			h.cfg.ExplorationMaxFetches, h.cfg.ExplorationWords)
	}

	b.WriteString("Reflection: do NOT make any web requests. Update your inner state if it's changed, " +
		"add a journal entry if something is worth recording, and check for anything on your mind. " +
		"If you want to proactively reach someone, use a REST call: " +
		"POST /api/deliver {\"channel\": \"<platform:id>\", \"message\": \"...\"} against the gateway's own HTTP API.\n\n")
	b.WriteString("If there is genuinely nothing to report, respond with exactly: HEARTBEAT_OK")

	return b.String()
}
