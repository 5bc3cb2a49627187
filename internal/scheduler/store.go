package scheduler

import (
	"errors"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/storage/dirstore"
)

// ErrNotPending is returned by Cancel when the schedule is no longer pending.
var ErrNotPending = errors.New("schedule is not pending")

// ErrNotFound is returned when a schedule id doesn't exist.
var ErrNotFound = errors.New("schedule not found")

// Store persists Schedule records, one directory per id, via dirstore.
type Store struct {
	ds *dirstore.DirStore
}

// NewStore creates a Store rooted at dir, pruning non-pending schedules
// left over from a previous run (persistence prunes non-pending on load).
func NewStore(dir string) (*Store, error) {
	s := &Store{ds: dirstore.NewDirStore(dir, "schedule")}
	if err := s.pruneNonPending(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) pruneNonPending() error {
	ids, err := s.ds.ListDirs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		var sched Schedule
		if err := s.ds.ReadMeta(id, &sched); err != nil {
			continue
		}
		if sched.Status != StatusPending {
			s.ds.RemoveDir(id)
		}
	}
	return nil
}

// CreateInput is the input for Create; channel defaults are resolved by the
// caller (typically from ChannelStore.GetDefault).
type CreateInput struct {
	Due     time.Time
	Message string
	Prompt  string
	Channel string
	Repeat  string
}

// Create persists a new pending Schedule and returns the full record.
func (s *Store) Create(in CreateInput) (Schedule, error) {
	s.ds.Lock()
	defer s.ds.Unlock()

	sched := Schedule{
		ID:        NewID(),
		Due:       in.Due,
		Message:   in.Message,
		Prompt:    in.Prompt,
		Repeat:    in.Repeat,
		Channel:   in.Channel,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ds.EnsureDir(sched.ID); err != nil {
		return Schedule{}, err
	}
	if err := s.ds.WriteMeta(sched.ID, &sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Get returns the schedule with the given id.
func (s *Store) Get(id string) (Schedule, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()
	var sched Schedule
	if err := s.ds.ReadMeta(id, &sched); err != nil {
		return Schedule{}, ErrNotFound
	}
	return sched, nil
}

// List returns every schedule, optionally filtered by status ("" = all).
func (s *Store) List(status Status) ([]Schedule, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()
	ids, err := s.ds.ListDirs()
	if err != nil {
		return nil, err
	}
	var out []Schedule
	for _, id := range ids {
		var sched Schedule
		if err := s.ds.ReadMeta(id, &sched); err != nil {
			continue
		}
		if status != "" && sched.Status != status {
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

// GetDue returns every pending schedule whose Due has passed.
func (s *Store) GetDue(now time.Time) ([]Schedule, error) {
	all, err := s.List(StatusPending)
	if err != nil {
		return nil, err
	}
	var due []Schedule
	for _, sched := range all {
		if !sched.Due.After(now) {
			due = append(due, sched)
		}
	}
	return due, nil
}

// Cancel marks id cancelled, only if it is currently pending.
func (s *Store) Cancel(id string) (Schedule, error) {
	s.ds.Lock()
	defer s.ds.Unlock()

	var sched Schedule
	if err := s.ds.ReadMeta(id, &sched); err != nil {
		return Schedule{}, ErrNotFound
	}
	if sched.Status != StatusPending {
		return Schedule{}, ErrNotPending
	}
	sched.Status = StatusCancelled
	if err := s.ds.WriteMeta(id, &sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// MarkDelivered sets id's status to delivered with the given timestamp.
func (s *Store) MarkDelivered(id string, when time.Time) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	var sched Schedule
	if err := s.ds.ReadMeta(id, &sched); err != nil {
		return ErrNotFound
	}
	sched.Status = StatusDelivered
	sched.DeliveredAt = &when
	return s.ds.WriteMeta(id, &sched)
}

// Put persists sched as-is, used by the fire loop to store a recurring clone.
func (s *Store) Put(sched Schedule) error {
	s.ds.Lock()
	defer s.ds.Unlock()
	if err := s.ds.EnsureDir(sched.ID); err != nil {
		return err
	}
	return s.ds.WriteMeta(sched.ID, &sched)
}
