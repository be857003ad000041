package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of an ingested batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no worker-initiated transition may leave s.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransitionTo enforces pending -> processing -> completed|failed.
// Pending may also fail directly when ingestion cannot finish.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusProcessing || next == BatchStatusFailed
	case BatchStatusProcessing:
		return next == BatchStatusCompleted || next == BatchStatusFailed
	}
	return false
}

func ParseBatchStatus(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// Batch is one ingested file and the products it owns.
type Batch struct {
	ID               string
	OriginalFilename string
	Status           BatchStatus
	ErrorMessage     *string
	WebhookURL       *string
	JobID            *string
	Products         []Product
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (b *Batch) HasWebhook() bool {
	return b != nil && b.WebhookURL != nil && strings.TrimSpace(*b.WebhookURL) != ""
}
