package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Batch states.
const (
	StateRunning     = "running"
	StateCompleted   = "completed"
	StateCancelled   = "cancelled"
	StateAborted     = "aborted"
	StateInterrupted = "interrupted"
)

// Batch is the audit record of one bulk action.
type Batch struct {
	ID          string
	CreatedAt   time.Time
	FinishedAt  time.Time // zero while running
	Source      string    // "cli", "http", "mcp"
	Status      string
	Disposition string
	Assignee    string
	Comment     string
	State       string
	Error       string
	Total       int
	Succeeded   int
	Partial     int
	Failed      int
	Skipped     int
}

// OutcomeRecord is the audit record of one request within a batch.
type OutcomeRecord struct {
	BatchID         string
	Seq             int
	InvestigationID string
	Status          string // bulk.Status string form
	Kind            string // throttle.Kind string form
	Reason          string
	ReqStatus       string
	ReqDisposition  string
	ReqAssignee     string
	ReqComment      string
	StartedAt       time.Time
	FinishedAt      time.Time
}
