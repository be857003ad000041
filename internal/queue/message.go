package queue

import (
	"fmt"
	"strings"
)

// JobMessage is the broker payload for one processing job delivery.
type JobMessage struct {
	JobID               string `json:"jobId"`
	ProcessingRequestID string `json:"processingRequestId"`
	CorrelationID       string `json:"correlationId,omitempty"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if strings.TrimSpace(m.ProcessingRequestID) == "" {
		return fmt.Errorf("processingRequestId is required")
	}
	return nil
}
