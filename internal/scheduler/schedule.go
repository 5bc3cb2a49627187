// Package scheduler owns the persisted queue of future deliveries: their
// storage, cron/calendar recurrence math, and the 30-second fire loop that
// dispatches due schedules through the orchestrator and adapter registry.
package scheduler

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status is a Schedule's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Schedule is one persisted future-delivery record.
type Schedule struct {
	ID          string     `json:"id"`
	Due         time.Time  `json:"due"`
	Message     string     `json:"message,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	Repeat      string     `json:"repeat,omitempty"`
	Channel     string     `json:"channel"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewID generates a "sch_" + 12 hex character schedule id.
func NewID() string {
	id := uuid.New()
	return "sch_" + hex.EncodeToString(id[:6])
}
