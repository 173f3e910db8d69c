package models

import (
	"encoding/json"
	"time"
)

// Run lifecycle states persisted in Postgres.
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunSucceeded  = "succeeded"
	RunDeadLetter = "dead_lettered"
)

// Run is one invocation of a named workflow.
type Run struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	Priority       string          `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastError      *string         `json:"last_error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
