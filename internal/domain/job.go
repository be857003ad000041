package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobState is the queue-side lifecycle of a processing job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

func (s JobState) String() string { return string(s) }

func (s JobState) IsValid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed, JobStateDelayed:
		return true
	}
	return false
}

func (s JobState) IsFinished() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

func ParseJobState(s string) (JobState, error) {
	st := JobState(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job state %q", ErrValidation, s)
	}
	return st, nil
}

const ProcessImagesJobName = "process-images"

const (
	DefaultJobAttempts = 3
	DefaultBackoffBase = time.Second
)

// BackoffPolicy is an exponential schedule: Base, 2*Base, 4*Base, ...
type BackoffPolicy struct {
	Base time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return base << (attempt - 1)
}

// JobOptions configure retry behaviour for an enqueued job.
type JobOptions struct {
	Attempts int
	Backoff  BackoffPolicy
}

func DefaultJobOptions() JobOptions {
	return JobOptions{Attempts: DefaultJobAttempts, Backoff: BackoffPolicy{Base: DefaultBackoffBase}}
}

// JobPayload is the data carried by a processing job.
type JobPayload struct {
	ProcessingRequestID string `json:"processingRequestId"`
}

// JobResult is stored as the return value of a completed job.
type JobResult struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// Job is the queue-owned record of one unit of asynchronous work.
type Job struct {
	ID            string
	Name          string
	Data          JobPayload
	CorrelationID string
	State         JobState
	Progress      int
	AttemptsMade  int
	MaxAttempts   int
	Backoff       BackoffPolicy
	ReturnValue   json.RawMessage
	FailedReason  string
	Stacktrace    []string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	FinishedAt    *time.Time
	DelayUntil    *time.Time
}

// AttemptsRemaining reports whether another delivery may follow a failure
// of the current attempt.
func (j *Job) AttemptsRemaining() bool {
	return j != nil && j.AttemptsMade < j.MaxAttempts
}
