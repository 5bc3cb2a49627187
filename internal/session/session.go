// Package session owns the single shared conversational session: its
// lifecycle, busy flag, and FIFO queue of turns waiting for the session to
// free up. Exactly one SessionStore exists per process.
package session

import (
	"errors"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/agentclient"
)

// ErrOverflow is returned to the oldest queued entry when the queue is at
// capacity and a new entry displaces it.
var ErrOverflow = errors.New("queue overflow")

// ErrQueueCleared is returned to every queued entry rejected by Stop.
var ErrQueueCleared = errors.New("queue cleared")

// Mode selects how queued entries are drained.
type Mode string

const (
	ModeCollect  Mode = "collect"
	ModeFollowup Mode = "followup"
)

// Session is the in-memory state of the single shared upstream session.
type Session struct {
	SessionID    string
	Busy         bool
	BusySince    time.Time
	LastActivity time.Time
	LastResetAt  time.Time
	TurnCount    int
	IsNew        bool
}

// Result is delivered to a queued entry's caller once its turn completes.
type Result struct {
	Text string
	Err  error
}

// QueueEntry is one pending turn waiting for the session to be free.
type QueueEntry struct {
	ChannelID  string
	Message    string
	Callbacks  agentclient.Callbacks
	EnqueuedAt time.Time
	Result     chan Result
}
