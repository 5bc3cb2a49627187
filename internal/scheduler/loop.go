package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/adapter"
)

// Sender is the subset of Orchestrator the fire loop needs: a buffered
// send keyed by channel id.
type Sender interface {
	Send(ctx context.Context, channelID, message string) (string, error)
}

// Loop periodically dispatches due schedules through the orchestrator and
// adapter registry.
type Loop struct {
	store    *Store
	adapters *adapter.Registry
	sender   Sender
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a Loop. interval defaults to 30s when <= 0.
func NewLoop(store *Store, adapters *adapter.Registry, sender Sender, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, adapters: adapters, sender: sender, interval: interval, log: logger}
}

// Start begins the ticking fire loop in a background goroutine.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
}

// Stop halts the fire loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick processes every currently-due schedule once.
func (l *Loop) Tick(ctx context.Context) {
	due, err := l.store.GetDue(time.Now().UTC())
	if err != nil {
		l.log.Warn("scheduler: failed to load due schedules", "error", err)
		return
	}
	for _, sched := range due {
		l.fire(ctx, sched)
	}
}

func (l *Loop) fire(ctx context.Context, sched Schedule) {
	text := sched.Message

	if sched.Prompt != "" {
		resp, err := l.sender.Send(ctx, "schedule:"+sched.ID, sched.Prompt)
		switch {
		case err == nil && strings.TrimSpace(resp) != "":
			text = resp
		case sched.Message != "":
			text = sched.Message
		default:
			l.log.Warn("scheduler: prompt produced no content and no fallback message, retrying next tick", "id", sched.ID)
			return
		}
	}

	if err := l.adapters.Deliver(sched.Channel, text); err != nil {
		l.log.Warn("scheduler: delivery failed, leaving pending for next tick", "id", sched.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	if err := l.store.MarkDelivered(sched.ID, now); err != nil {
		l.log.Warn("scheduler: failed to mark delivered", "id", sched.ID, "error", err)
		return
	}

	if sched.Repeat == "" {
		return
	}
	next, err := ComputeNext(sched.Due, sched.Repeat)
	if err != nil {
		l.log.Warn("scheduler: failed to compute next occurrence", "id", sched.ID, "repeat", sched.Repeat, "error", err)
		return
	}
	clone := Schedule{
		ID:        NewID(),
		Due:       next,
		Message:   sched.Message,
		Prompt:    sched.Prompt,
		Repeat:    sched.Repeat,
		Channel:   sched.Channel,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := l.store.Put(clone); err != nil {
		l.log.Warn("scheduler: failed to persist recurring clone", "id", sched.ID, "error", err)
	}
}
