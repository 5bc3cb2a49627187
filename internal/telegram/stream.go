package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mobyclaw/mobyclaw/internal/agentclient"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
)

// apologyText is appended to the text segment when a turn ends in a genuine
// fatal error (anything but an aborted turn).
const apologyText = "Something went wrong. Try again."

func agentCallbacks(r *turnRenderer) agentclient.Callbacks {
	return agentclient.Callbacks{
		OnToken:      r.onToken,
		OnToolStart:  r.onToolStart,
		OnToolDetail: r.onToolDetail,
		OnToolEnd:    r.onToolEnd,
		OnError:      r.onError,
	}
}

// toolLine renders one tool invocation's current status within the
// tool-status segment.
type toolLine struct {
	name   string
	detail string
	done   bool
	ok     bool
}

func (t toolLine) render() string {
	icon := "⏳"
	if t.done {
		icon = "✅"
		if !t.ok {
			icon = "❌"
		}
	}
	if t.detail != "" {
		return fmt.Sprintf("%s %s — %s", icon, t.name, t.detail)
	}
	return fmt.Sprintf("%s %s", icon, t.name)
}

// turnRenderer owns the two edited Telegram messages (tool-status segment
// and text segment) for a single streaming turn in one chat.
type turnRenderer struct {
	a      *Adapter
	chatID int64

	mu          sync.Mutex
	toolMsgID   int
	toolLines   []*toolLine
	queuedMsgID int

	textMsgID   int
	textBuf     strings.Builder
	firstSent   bool
	started     time.Time
	lastTokenAt time.Time
	lastEdit    time.Time
	editTimer   *time.Timer
}

func newTurnRenderer(a *Adapter, chatID int64) *turnRenderer {
	return &turnRenderer{a: a, chatID: chatID, started: time.Now()}
}

func (r *turnRenderer) onQueued(position int) {
	msg := tgbotapi.NewMessage(r.chatID, fmt.Sprintf("Queued (position %d)", position))
	sent, err := r.a.bot.Send(msg)
	if err == nil {
		r.mu.Lock()
		r.queuedMsgID = sent.MessageID
		r.mu.Unlock()
	}
}

// clearQueuedPlaceholder removes the "Queued (position N)" message once
// streaming actually starts.
func (r *turnRenderer) clearQueuedPlaceholder() {
	r.mu.Lock()
	id := r.queuedMsgID
	r.queuedMsgID = 0
	r.mu.Unlock()
	if id != 0 {
		r.a.bot.Send(tgbotapi.NewDeleteMessage(r.chatID, id))
	}
}

func (r *turnRenderer) onToolStart(name string) {
	r.clearQueuedPlaceholder()
	r.mu.Lock()
	r.toolLines = append(r.toolLines, &toolLine{name: name})
	r.mu.Unlock()
	r.renderTools()
}

func (r *turnRenderer) onToolDetail(name string, args map[string]any) {
	r.mu.Lock()
	if l := r.lastLineFor(name); l != nil {
		l.detail = formatArgs(args)
	}
	r.mu.Unlock()
	r.renderTools()
}

func (r *turnRenderer) onToolEnd(name string, success bool) {
	r.mu.Lock()
	if l := r.lastLineFor(name); l != nil {
		l.done = true
		l.ok = success
	}
	r.mu.Unlock()
	r.renderTools()
}

// lastLineFor must be called with r.mu held.
func (r *turnRenderer) lastLineFor(name string) *toolLine {
	for i := len(r.toolLines) - 1; i >= 0; i-- {
		if r.toolLines[i].name == name {
			return r.toolLines[i]
		}
	}
	return nil
}

func (r *turnRenderer) renderTools() {
	r.mu.Lock()
	var b strings.Builder
	for _, l := range r.toolLines {
		b.WriteString(l.render())
		b.WriteString("\n")
	}
	text := strings.TrimSpace(b.String())
	msgID := r.toolMsgID
	r.mu.Unlock()
	if text == "" {
		return
	}

	if msgID == 0 {
		sent, err := r.a.bot.Send(tgbotapi.NewMessage(r.chatID, text))
		if err != nil {
			return
		}
		r.mu.Lock()
		r.toolMsgID = sent.MessageID
		r.mu.Unlock()
		return
	}
	r.a.bot.Send(tgbotapi.NewEditMessageText(r.chatID, msgID, text))
}

func (r *turnRenderer) onToken(text string) {
	r.clearQueuedPlaceholder()

	r.mu.Lock()
	now := time.Now()
	if !r.lastTokenAt.IsZero() && now.Sub(r.lastTokenAt) > r.a.cfg.GapNewSegment && r.textBuf.Len() > 0 {
		// Long token-silent gap: start a fresh text segment rather than
		// keep editing the old one.
		r.textMsgID = 0
		r.textBuf.Reset()
		r.firstSent = false
	}
	r.lastTokenAt = now
	r.textBuf.WriteString(text)
	r.mu.Unlock()

	r.scheduleTextFlush()
}

func (r *turnRenderer) scheduleTextFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.firstSent {
		elapsed := time.Since(r.started)
		if elapsed < r.a.cfg.FirstSendDelay {
			if r.editTimer == nil {
				r.editTimer = time.AfterFunc(r.a.cfg.FirstSendDelay-elapsed, r.flushText)
			}
			return
		}
		r.flushTextLocked()
		return
	}

	if time.Since(r.lastEdit) >= r.a.cfg.EditInterval {
		r.flushTextLocked()
		return
	}
	if r.editTimer == nil {
		wait := r.a.cfg.EditInterval - time.Since(r.lastEdit)
		r.editTimer = time.AfterFunc(wait, r.flushText)
	}
}

func (r *turnRenderer) flushText() {
	r.mu.Lock()
	r.flushTextLocked()
	r.mu.Unlock()
}

// flushTextLocked must be called with r.mu held.
func (r *turnRenderer) flushTextLocked() {
	r.editTimer = nil
	text := truncateForTelegram(r.textBuf.String())
	if text == "" {
		return
	}
	msgID := r.textMsgID
	chatID := r.chatID

	if msgID == 0 {
		sent, err := r.a.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			return
		}
		r.textMsgID = sent.MessageID
		r.firstSent = true
		r.lastEdit = time.Now()
		return
	}
	r.a.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text))
	r.lastEdit = time.Now()
}

func (r *turnRenderer) onError(message string) {
	r.a.log.Error("telegram: turn error", "chat_id", r.chatID, "error", message)
}

// failTurn flips any still-pending tool lines to failed and appends the
// fixed apology to the text segment. Used on genuine fatal errors, never on
// an aborted turn (which terminates silently).
func (r *turnRenderer) failTurn() {
	r.mu.Lock()
	changed := false
	for _, l := range r.toolLines {
		if !l.done {
			l.done = true
			l.ok = false
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.renderTools()
	}

	r.mu.Lock()
	if r.textBuf.Len() > 0 {
		r.textBuf.WriteString("\n\n")
	}
	r.textBuf.WriteString(apologyText)
	r.mu.Unlock()
}

// finalize flushes any buffered text once streaming completes.
func (r *turnRenderer) finalize() {
	r.mu.Lock()
	if r.editTimer != nil {
		r.editTimer.Stop()
		r.editTimer = nil
	}
	r.mu.Unlock()
	r.flushText()
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ", ")
}

// stream drives one streaming turn through the orchestrator, rendering
// tool-status and text segments as edited messages.
func (a *Adapter) stream(ctx context.Context, chatID int64, text string) {
	r := newTurnRenderer(a, chatID)
	cb := orchestrator.Callbacks{
		Callbacks: agentCallbacks(r),
		OnQueued:  r.onQueued,
	}
	_, err := a.cfg.Orchestrator.SendStream(ctx, channelID(chatID), text, cb)
	if err != nil && !errors.Is(err, orchestrator.ErrAborted) {
		r.failTurn()
	}
	r.finalize()
}
