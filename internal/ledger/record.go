package ledger

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one image.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusOutOfArea Status = "OUT_OF_AREA"
	// StatusExcluded marks images on the skip list.
	StatusExcluded Status = "EXCLUDED"
)

// ParseStatus validates a stored status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSubmitted, StatusRunning, StatusCompleted,
		StatusFailed, StatusOutOfArea, StatusExcluded:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Outstanding reports whether an export task is in flight.
func (s Status) Outstanding() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// Done reports whether a rerun should skip the image.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusOutOfArea || s == StatusExcluded
}

// Record is the current state of one image.
type Record struct {
	ImageID   string
	Status    Status
	TaskID    string
	LastError string
	Attempts  int
	UpdatedAt time.Time
}

// Event is one status transition.
type Event struct {
	RunID   string
	ImageID string
	From    Status
	To      Status
	Detail  string
	At      time.Time
}

// MethodError audits a method that could not be computed for an image.
type MethodError struct {
	RunID   string
	Method  string
	ImageID string
	Message string
	At      time.Time
}

// Batch is everything one orchestrator iteration writes.
type Batch struct {
	Records      []Record
	Events       []Event
	MethodErrors []MethodError
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Events) == 0 && len(b.MethodErrors) == 0
}

// Summary holds the final counters of a run.
type Summary struct {
	Completed  int
	Failed     int
	OutOfArea  int
	Structural int
}

// Run is one orchestrator invocation.
type Run struct {
	ID         string
	ConfigJSON string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    Summary
}
