package job

import (
	"errors"
	"time"
)

// Sentinel errors returned synchronously by the controller.
var (
	// ErrBusy is returned when a job is already submitting or polling.
	ErrBusy = errors.New("a manifestation is already in progress")

	// ErrNotAuthenticated is returned when no credential is available.
	ErrNotAuthenticated = errors.New("please log in again")

	// ErrClosed is returned after the controller has been closed.
	ErrClosed = errors.New("job controller closed")
)

// Status represents the controller's state for the active job slot.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSubmitting Status = "submitting"
	StatusPolling    Status = "polling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether the job is still in flight.
func (s Status) Active() bool {
	return s == StatusSubmitting || s == StatusPolling
}

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureAuth       FailureKind = "auth"
	FailureServer     FailureKind = "server"
	FailureTransport  FailureKind = "transport"
	FailureDecode     FailureKind = "decode"
	FailureTimeout    FailureKind = "timeout"
	FailureGeneration FailureKind = "generation"
)

// Job is one generation request tracked from submission to a terminal state.
type Job struct {
	// ID is assigned by the backend. Empty before acceptance and for
	// synchronous results.
	ID string

	// Prompt and Template are immutable once submitted.
	Prompt   string
	Template string

	Status Status

	// ResultURL is set only when Status is StatusCompleted.
	ResultURL string

	// ErrorReason is a short human-readable message, set only when Status is StatusFailed.
	ErrorReason string
	// FailureKind classifies the failure.
	FailureKind FailureKind
	// Err preserves the underlying cause for diagnostics.
	Err error

	SubmittedAt time.Time
	FinishedAt  time.Time

	// Progress is a simulated 0..1 estimate for display only.
	// It says nothing about actual backend completion.
	Progress float64
}

// SubmitRequest is a user's manifestation command.
type SubmitRequest struct {
	Prompt   string
	Template string
}

// EventType identifies a notification.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventProgress         EventType = "progress"
	EventGalleryRefreshed EventType = "gallery_refreshed"
)

// Event is delivered on the controller's notification channel.
type Event struct {
	Type EventType
	Job  Job
	// Err is set for EventGalleryRefreshed when the refresh failed.
	Err  error
	Time time.Time
}
