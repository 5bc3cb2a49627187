// Package orchestrator is the single point of dispatch between inbound
// messages (HTTP, Telegram, scheduler, heartbeat) and the upstream agent
// session. It owns busy-serialization, session lifecycle, queue draining,
// and failure classification/retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	contextopt "github.com/mobyclaw/mobyclaw/internal/context"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortmem"
)

// Callbacks extends agentclient.Callbacks with the orchestrator-level
// queued-position notification delivered while a turn waits its turn.
type Callbacks struct {
	agentclient.Callbacks
	OnQueued func(position int)
}

// Enricher augments an outbound message with channel context before it is
// sent upstream, e.g. a platform prefix line for inbound adapter messages.
// A nil Enricher is a no-op.
type Enricher func(ctx context.Context, channelID, message string) string

// Config wires an Orchestrator's dependencies and tunables.
type Config struct {
	AgentClient     *agentclient.Client
	SessionStore    *session.Store
	ShortTermMemory *shortmem.Store
	ContextOptimizer *contextopt.Optimizer
	Enricher        Enricher
	Mode            session.Mode // ModeCollect or ModeFollowup
	DebounceMs      int
	Logger          *slog.Logger
}

// Orchestrator serializes turns against the single shared upstream session.
type Orchestrator struct {
	agent    *agentclient.Client
	sess     *session.Store
	stm      *shortmem.Store
	ctxOpt   *contextopt.Optimizer
	enricher Enricher
	mode     session.Mode
	debounce time.Duration
	log      *slog.Logger

	drainMu    sync.Mutex
	drainTimer *time.Timer

	abortMu     sync.Mutex
	abortCancel context.CancelFunc
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = session.ModeCollect
	}
	return &Orchestrator{
		agent:    cfg.AgentClient,
		sess:     cfg.SessionStore,
		stm:      cfg.ShortTermMemory,
		ctxOpt:   cfg.ContextOptimizer,
		enricher: cfg.Enricher,
		mode:     mode,
		debounce: time.Duration(cfg.DebounceMs) * time.Millisecond,
		log:      logger,
	}
}

// sessionErrorSubstrings are the lowercase substrings that mark an error as
// session-class: the upstream session is no longer usable.
var sessionErrorSubstrings = []string{
	"session", "sequencing", "tool_use_id", "invalid_request_error",
	"all models failed", "context canceled", "aborted", "timed out",
	"econnreset", "socket idle", "connection likely dead",
}

// ErrAborted is returned when a turn was cancelled by Stop.
var ErrAborted = errors.New("turn aborted")

func isSessionClassError(err error) bool {
	var hse *agentclient.HTTPStatusError
	if errors.As(err, &hse) && hse.Code == 404 {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, sub := range sessionErrorSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Mode reports the queue-coalescing mode this Orchestrator was configured
// with (fixed at construction).
func (o *Orchestrator) Mode() session.Mode {
	return o.mode
}

// Send performs a buffered turn and returns the accumulated text.
func (o *Orchestrator) Send(ctx context.Context, channelID, message string) (string, error) {
	var text strings.Builder
	cb := Callbacks{Callbacks: agentclient.Callbacks{OnToken: func(s string) { text.WriteString(s) }}}
	res, err := o.SendStream(ctx, channelID, message, cb)
	if err != nil {
		return "", err
	}
	if res.Text != "" {
		return res.Text, nil
	}
	return text.String(), nil
}

// SendStream performs a streaming turn, invoking cb as tokens/tool events
// arrive. If the session is busy, the turn is queued and this call blocks
// until it is dispatched and completes.
func (o *Orchestrator) SendStream(ctx context.Context, channelID, message string, cb Callbacks) (session.Result, error) {
	if !o.sess.TryAcquire() {
		entry := &session.QueueEntry{
			ChannelID:  channelID,
			Message:    message,
			Callbacks:  cb.Callbacks,
			EnqueuedAt: time.Now().UTC(),
			Result:     make(chan session.Result, 1),
		}
		if overflowed := o.sess.Enqueue(entry); overflowed != nil {
			o.log.Warn("queue overflow, rejecting oldest turn", "channel", overflowed.ChannelID)
		}
		if cb.OnQueued != nil {
			cb.OnQueued(o.sess.QueuePosition(entry))
		}
		o.scheduleDrain()
		select {
		case res := <-entry.Result:
			return res, res.Err
		case <-ctx.Done():
			return session.Result{}, ctx.Err()
		}
	}

	// The TryAcquire above already claimed the busy slot for this turn.
	return o.dispatch(ctx, channelID, message, cb)
}

// dispatch runs one turn end to end: session lifecycle, STM/context
// injection, the upstream call, failure classification with a single
// session-class retry, and the busy-clear/drain-reschedule finally. The
// caller must already hold the busy slot (via session.Store.TryAcquire)
// before calling dispatch.
func (o *Orchestrator) dispatch(ctx context.Context, channelID, message string, cb Callbacks) (session.Result, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	o.abortMu.Lock()
	o.abortCancel = cancel
	o.abortMu.Unlock()

	defer func() {
		o.abortMu.Lock()
		o.abortCancel = nil
		o.abortMu.Unlock()
		cancel()
		o.sess.SetBusy(false)
		if o.sess.QueueLen() > 0 {
			o.scheduleDrain()
		}
	}()

	enriched := message
	if o.enricher != nil {
		enriched = o.enricher(turnCtx, channelID, message)
	}

	if err := o.ensureSession(turnCtx); err != nil {
		return session.Result{}, err
	}
	o.sess.TouchActivity()

	outbound := o.withContext(turnCtx, enriched)
	if o.sess.ConsumeNewSessionFlag() {
		if block := o.stm.GetHistoryBlock(); block != "" {
			outbound = block + "\n\n" + outbound
		}
	}

	res, err := o.promptOnce(turnCtx, outbound, cb)
	if err == nil {
		o.recordExchange(channelID, message, res.Text)
		return res, nil
	}

	if turnCtx.Err() != nil && errors.Is(turnCtx.Err(), context.Canceled) {
		return session.Result{}, ErrAborted
	}
	if !isSessionClassError(err) {
		return session.Result{}, err
	}

	o.log.Warn("session-class error, rotating session and retrying once", "error", err)
	o.sess.Clear()
	if err := o.ensureSession(turnCtx); err != nil {
		return session.Result{}, err
	}
	res, err = o.promptOnce(turnCtx, outbound, cb)
	if err != nil {
		return session.Result{}, err
	}
	o.recordExchange(channelID, message, res.Text)
	return res, nil
}

func (o *Orchestrator) promptOnce(ctx context.Context, message string, cb Callbacks) (session.Result, error) {
	res, err := o.agent.PromptStream(ctx, message, o.sess.GetSessionID(), cb.Callbacks)
	if err != nil {
		return session.Result{}, err
	}
	o.log.Info("turn completed", "input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens)
	return session.Result{Text: res.Text}, nil
}

func (o *Orchestrator) ensureSession(ctx context.Context) error {
	if o.sess.GetSessionID() != "" && !o.sess.ShouldReset(time.Now(), time.Local) {
		return nil
	}
	if o.sess.GetSessionID() != "" {
		o.sess.Clear()
	}
	id, err := o.agent.CreateSession(ctx)
	if err != nil {
		return err
	}
	o.sess.SetSessionID(id)
	return nil
}

func (o *Orchestrator) withContext(ctx context.Context, message string) string {
	if o.ctxOpt == nil {
		return message
	}
	block := o.ctxOpt.Compose(ctx, message)
	if block == "" {
		return message
	}
	return block + "\n\n" + message
}

func (o *Orchestrator) recordExchange(channelID, userMessage, agentResponse string) {
	if o.stm == nil {
		return
	}
	if err := o.stm.AddExchange(channelID, userMessage, agentResponse); err != nil {
		o.log.Warn("failed to record short-term memory exchange", "error", err)
	}
}

// Reset aborts any in-flight turn, clears the pending queue, and drops the
// current upstream session id so the next turn starts a brand new session
// rather than continuing the existing conversation.
func (o *Orchestrator) Reset() (stopped bool, queueCleared int) {
	stopped, queueCleared = o.Stop()
	o.sess.Clear()
	return stopped, queueCleared
}

// Stop cancels the in-flight turn (if any) and clears the pending queue.
func (o *Orchestrator) Stop() (stopped bool, queueCleared int) {
	o.drainMu.Lock()
	if o.drainTimer != nil {
		o.drainTimer.Stop()
		o.drainTimer = nil
	}
	o.drainMu.Unlock()

	if o.sess.IsBusy() {
		o.abortMu.Lock()
		if o.abortCancel != nil {
			o.abortCancel()
			stopped = true
		}
		o.abortMu.Unlock()
	}
	queueCleared = o.sess.ClearQueue()
	return stopped, queueCleared
}

// scheduleDrain arms (or re-arms) the single shared drain timer.
func (o *Orchestrator) scheduleDrain() {
	delay := time.Duration(0)
	if o.mode == session.ModeCollect {
		delay = o.debounce
	}

	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	if o.drainTimer != nil {
		o.drainTimer.Stop()
	}
	o.drainTimer = time.AfterFunc(delay, o.drainOnce)
}

// drainOnce fires when the debounce timer expires. If the session is still
// busy, the in-flight turn's finally block will reschedule a drain once it
// completes, so this is a no-op here.
func (o *Orchestrator) drainOnce() {
	if !o.sess.TryAcquire() {
		return
	}

	var entries []*session.QueueEntry
	if o.mode == session.ModeCollect {
		entries = o.sess.DequeueAll()
	} else if e, ok := o.sess.Dequeue(); ok {
		entries = []*session.QueueEntry{e}
	}
	if len(entries) == 0 {
		o.sess.SetBusy(false)
		return
	}

	channelID := entries[len(entries)-1].ChannelID
	message := coalesce(entries)
	cb := Callbacks{Callbacks: entries[0].Callbacks}

	res, err := o.dispatch(context.Background(), channelID, message, cb)
	result := session.Result{Text: res.Text, Err: err}
	for _, e := range entries {
		select {
		case e.Result <- result:
		default:
		}
	}

	if o.sess.QueueLen() > 0 {
		o.scheduleDrain()
	}
}

func coalesce(entries []*session.QueueEntry) string {
	if len(entries) == 1 {
		return entries[0].Message
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Message
	}
	header := fmt.Sprintf("[%d messages were queued while you were busy. Here they are combined:]", len(entries))
	return header + "\n\n" + strings.Join(parts, "\n\n---\n\n")
}
