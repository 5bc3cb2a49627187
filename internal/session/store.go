package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds the lifecycle thresholds a Store enforces.
type Config struct {
	MaxTurns         int
	DailyResetHour   int // local hour, 0-23
	IdleResetMinutes int // 0 disables idle reset
	MaxQueueSize     int
}

type persisted struct {
	SessionID   string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
	LastResetAt  time.Time `json:"last_reset_at"`
	Updated      time.Time `json:"updated"`
}

// Store owns the single shared Session and its turn queue. All mutation
// goes through the orchestrator, which serializes callers; the mutex here
// guards against the HTTP/adapter goroutines that read status concurrently.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config

	sess  Session
	queue []*QueueEntry
}

// NewStore creates a Store persisting to path and loads any existing state.
func NewStore(path string, cfg Config) (*Store, error) {
	s := &Store{path: path, cfg: cfg}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.sess.SessionID = p.SessionID
	s.sess.LastActivity = p.LastActivity
	s.sess.LastResetAt = p.LastResetAt
	return nil
}

// persistLocked writes session.json atomically. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	p := persisted{
		SessionID:    s.sess.SessionID,
		LastActivity: s.sess.LastActivity,
		LastResetAt:  s.sess.LastResetAt,
		Updated:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// GetSessionID returns the current upstream session id, or "" if none.
func (s *Store) GetSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.SessionID
}

// SetSessionID records a newly created upstream session id. IsNew is set
// whenever the session transitions from none to some, per the data model
// invariant (covers both first creation and lifecycle rotation).
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.SessionID == "" {
		s.sess.IsNew = true
	}
	s.sess.SessionID = id
	s.persistLocked()
}

// Clear drops the current session id, resets the turn counter, and records
// the reset time. Used before rotating to a fresh upstream session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.SessionID = ""
	s.sess.TurnCount = 0
	s.sess.LastResetAt = time.Now().UTC()
	s.sess.IsNew = true
	s.persistLocked()
}

// TouchActivity increments the turn counter and updates LastActivity.
func (s *Store) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.TurnCount++
	s.sess.LastActivity = time.Now().UTC()
	s.persistLocked()
}

// ConsumeNewSessionFlag atomically reads and clears IsNew.
func (s *Store) ConsumeNewSessionFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.sess.IsNew
	s.sess.IsNew = false
	return v
}

// ShouldReset reports whether the current session should be rotated before
// reuse: turn-count cap, daily reset-hour boundary, or idle timeout.
func (s *Store) ShouldReset(now time.Time, loc *time.Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxTurns > 0 && s.sess.TurnCount >= s.cfg.MaxTurns {
		return true
	}
	if dailyBoundaryCrossed(s.sess.LastActivity, now, s.cfg.DailyResetHour, loc) {
		return true
	}
	if s.cfg.IdleResetMinutes > 0 && !s.sess.LastActivity.IsZero() {
		if now.Sub(s.sess.LastActivity) > time.Duration(s.cfg.IdleResetMinutes)*time.Minute {
			return true
		}
	}
	return false
}

// dailyBoundaryCrossed reports whether a reset-hour boundary in loc's
// timezone falls strictly after lastActivity and at-or-before now.
func dailyBoundaryCrossed(lastActivity, now time.Time, resetHour int, loc *time.Location) bool {
	if lastActivity.IsZero() {
		return false
	}
	nowLocal := now.In(loc)
	boundary := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), resetHour, 0, 0, 0, loc)
	if boundary.After(nowLocal) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return lastActivity.Before(boundary) && !now.Before(boundary)
}

// IsBusy reports whether a turn is currently in flight.
func (s *Store) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Busy
}

// TryAcquire atomically tests and sets the busy flag: if the session is
// already busy it reports false with no change, otherwise it marks the
// session busy (tracking BusySince) and reports true. This closes the
// check-then-set race a separate IsBusy()+SetBusy(true) pair would leave
// between two concurrent callers.
func (s *Store) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.Busy {
		return false
	}
	s.sess.Busy = true
	s.sess.BusySince = time.Now().UTC()
	return true
}

// SetBusy sets or clears the busy flag, tracking BusySince for the watchdog.
func (s *Store) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Busy = busy
	if busy {
		s.sess.BusySince = time.Now().UTC()
	} else {
		s.sess.BusySince = time.Time{}
	}
}

// CheckBusyWatchdog force-clears a stuck busy flag older than maxIdle and
// reports whether it did so, covering a silent upstream death that bypassed
// the socket-idle watchdog.
func (s *Store) CheckBusyWatchdog(maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.Busy || s.sess.BusySince.IsZero() {
		return false
	}
	if time.Since(s.sess.BusySince) <= maxIdle {
		return false
	}
	s.sess.Busy = false
	s.sess.BusySince = time.Time{}
	return true
}

// Enqueue appends entry to the FIFO queue. If the queue is already at
// capacity, the oldest entry is rejected with ErrOverflow and returned to
// the caller so it can be recorded/logged; the new entry is always
// accepted.
func (s *Store) Enqueue(entry *QueueEntry) (overflowed *QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxQueueSize > 0 && len(s.queue) >= s.cfg.MaxQueueSize {
		overflowed = s.queue[0]
		s.queue = s.queue[1:]
		overflowed.Result <- Result{Err: ErrOverflow}
	}
	s.queue = append(s.queue, entry)
	return overflowed
}

// QueueLen returns the number of entries currently queued.
func (s *Store) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// QueuePosition returns entry's 1-based position in the queue, or 0 if not found.
func (s *Store) QueuePosition(entry *QueueEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e == entry {
			return i + 1
		}
	}
	return 0
}

// Dequeue pops and returns the single oldest entry (followup mode).
func (s *Store) Dequeue() (*QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// DequeueAll pops and returns every queued entry (collect mode coalescing).
func (s *Store) DequeueAll() []*QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.queue
	s.queue = nil
	return all
}

// ClearQueue rejects every queued entry with ErrQueueCleared and empties the
// queue, returning how many were cleared.
func (s *Store) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	for _, e := range s.queue {
		e.Result <- Result{Err: ErrQueueCleared}
	}
	s.queue = nil
	return n
}

// Snapshot returns a copy of the current session state, for /status.
func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}
