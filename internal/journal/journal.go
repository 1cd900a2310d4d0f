// Package journal defines the append-only audit records.
package journal

import (
	"context"
	"time"

	"github.com/amirphl/guarded-trader/internal/position"
)

// Event types.
const (
	TypeTransition   = "transition"
	TypeOrder        = "order"
	TypeHalt         = "halt"
	TypeNotification = "notification"
	TypeJob          = "job"
	TypeHeartbeat    = "heartbeat"
)

// Event represents a journaled event.
type Event struct {
	ID          int64
	Time        time.Time
	Type        string // e.g., "transition", "order", "halt", "notification"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// Reconciliation purposes.
const (
	PurposeOpen       = "open"
	PurposeClose      = "close"
	PurposeResume     = "resume"
	PurposeResumeKill = "resume_kill"
	PurposeKill       = "kill"
	PurposeInspect    = "inspect"
	PurposeAbandon    = "abandon"
)

// Reconciliation actions.
const (
	ActionProceed       = "proceed"
	ActionHalt          = "halt"
	ActionResume        = "resume"
	ActionRemainHalted  = "remain_halted"
	ActionRemainKilled  = "remain_killed"
	ActionAwaitOperator = "await_operator"
)

// Reconciliation is one append-only reconciliation record.
type Reconciliation struct {
	ID       int64              `json:"id"`
	Time     time.Time          `json:"time"`
	Purpose  string             `json:"purpose"`
	Expected []position.Holding `json:"expected"`
	Broker   []position.Holding `json:"broker"`
	Match    bool               `json:"match"`
	Action   string             `json:"action"`
	Detail   string             `json:"detail,omitempty"`
}

// Job statuses.
const (
	JobOK      = "ok"
	JobNoop    = "noop"
	JobHalted  = "halted"
	JobFailed  = "failed"
	JobSkipped = "skipped"
	JobAborted = "aborted"
)

// JobRun is the last known run of a scheduled job.
type JobRun struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	LastRun    time.Time `json:"last_run"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	NextRun    time.Time `json:"next_run"`
}
