// Package telegram implements the Telegram-shaped MessagingAdapter: long
// polling, allowlisting, update dedup, command dispatch, and edit-based
// dual-segment streaming (a tool-status line group and a text segment,
// both updated in place rather than appended as new messages).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mobyclaw/mobyclaw/internal/channel"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

const (
	defaultFirstSendDelay = 2500 * time.Millisecond
	defaultEditInterval   = 1200 * time.Millisecond
	defaultGapNewSegment  = 3 * time.Second
	dedupRingSize         = 50
	livenessCheckEvery    = 60 * time.Second
	livenessStaleAfter    = 5 * time.Minute
	telegramMaxLen        = 4096
)

// Sender is the subset of Orchestrator the adapter needs.
type Sender interface {
	SendStream(ctx context.Context, channelID, message string, cb orchestrator.Callbacks) (session.Result, error)
	Stop() (stopped bool, queueCleared int)
	Reset() (stopped bool, queueCleared int)
}

// Config wires the adapter's dependencies and tunables.
type Config struct {
	Token           string
	AllowedUserIDs  []int64 // empty means allow everyone
	Orchestrator    Sender
	Channels        *channel.Store
	Logger          *slog.Logger
	FirstSendDelay  time.Duration
	EditInterval    time.Duration
	GapNewSegment   time.Duration
}

// Adapter drives Telegram long polling and renders streaming turns as
// edited messages.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	cfg      Config
	log      *slog.Logger
	allowed  map[int64]bool

	dedupMu  sync.Mutex
	dedupSet map[int]bool
	dedup    [dedupRingSize]int
	dedupPos int

	lastInboundMu sync.Mutex
	lastInbound   time.Time
}

// New creates an Adapter from cfg, dialing the Telegram Bot API.
func New(cfg Config) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if cfg.FirstSendDelay <= 0 {
		cfg.FirstSendDelay = defaultFirstSendDelay
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = defaultEditInterval
	}
	if cfg.GapNewSegment <= 0 {
		cfg.GapNewSegment = defaultGapNewSegment
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := map[int64]bool{}
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}

	return &Adapter{
		bot:      bot,
		cfg:      cfg,
		log:      logger,
		allowed:  allowed,
		dedupSet: map[int]bool{},
	}, nil
}

// channelID formats a Telegram chat id as an adapter-registry channel string.
func channelID(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// isAllowed reports whether userID may interact with the bot.
func (a *Adapter) isAllowed(userID int64) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[userID]
}

// seen records updateID in the dedup ring and reports whether it was
// already present (i.e. this update should be dropped).
func (a *Adapter) seen(updateID int) bool {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()
	if a.dedupSet[updateID] {
		return true
	}
	evicted := a.dedup[a.dedupPos]
	delete(a.dedupSet, evicted)
	a.dedup[a.dedupPos] = updateID
	a.dedupSet[updateID] = true
	a.dedupPos = (a.dedupPos + 1) % dedupRingSize
	return false
}

// Deliver sends text to a Telegram chat id, for proactive sends registered
// with the adapter registry.
func (a *Adapter) Deliver(chatIDStr, text string) error {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatIDStr, err)
	}
	_, err = a.bot.Send(tgbotapi.NewMessage(chatID, truncateForTelegram(text)))
	return err
}

// Run starts long polling and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.bot.GetUpdatesChan(u)

	go a.watchLiveness(ctx)

	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) watchLiveness(ctx context.Context) {
	ticker := time.NewTicker(livenessCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.lastInboundMu.Lock()
			last := a.lastInbound
			a.lastInboundMu.Unlock()
			if last.IsZero() || time.Since(last) <= livenessStaleAfter {
				continue
			}
			a.log.Warn("telegram: polling idle past threshold, restarting")
			if _, err := a.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false}); err != nil {
				a.log.Warn("telegram: liveness restart failed", "error", err)
				continue
			}
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			a.bot.GetUpdatesChan(u)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if a.seen(update.UpdateID) {
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	a.lastInboundMu.Lock()
	a.lastInbound = time.Now()
	a.lastInboundMu.Unlock()

	msg := update.Message
	if !a.isAllowed(msg.From.ID) {
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		if a.handleCommand(msg) {
			return
		}
		return // unhandled slash command: ignored per spec
	}

	if a.cfg.Channels != nil {
		a.cfg.Channels.Track(channelID(msg.Chat.ID))
	}

	a.sendTyping(msg.Chat.ID)
	a.stream(ctx, msg.Chat.ID, msg.Text)
}

// handleCommand dispatches a recognized slash command and reports whether
// it was handled (vs. an unrecognized command, which is ignored).
func (a *Adapter) handleCommand(msg *tgbotapi.Message) bool {
	cmd := strings.Fields(msg.Text)[0]
	switch cmd {
	case "/start":
		a.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Hello! I'm ready."))
		return true
	case "/new", "/reset", "/clear":
		a.cfg.Orchestrator.Reset()
		a.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Starting a fresh conversation."))
		return true
	case "/stop":
		stopped, cleared := a.cfg.Orchestrator.Stop()
		a.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Stopped: %v, queue cleared: %d", stopped, cleared)))
		return true
	case "/status":
		a.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Running."))
		return true
	}
	return false
}

func (a *Adapter) sendTyping(chatID int64) {
	a.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func truncateForTelegram(s string) string {
	if len(s) <= telegramMaxLen {
		return s
	}
	return s[:telegramMaxLen-len("…")] + "…"
}
