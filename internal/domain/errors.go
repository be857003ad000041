package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrAttemptsExhausted is returned when a redelivered job has no attempts left.
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	ErrFetch  = errors.New("fetch error")
	ErrDecode = errors.New("decode error")
	ErrUpload = errors.New("upload error")
	ErrNotify = errors.New("notify error")
)

// RowError reports the first invalid field of an ingested row.
// Row is 1-based and counts data rows only.
type RowError struct {
	Row    int
	Field  string
	Reason string
}

func (e *RowError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Row <= 0 {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: row %d: %s: %s", ErrValidation, e.Row, e.Field, e.Reason)
}

func (e *RowError) Unwrap() error { return ErrValidation }

// TransformError is raised by a single image transform. Kind is one of
// ErrFetch, ErrDecode or ErrUpload.
type TransformError struct {
	Kind  error
	URL   string
	Cause error
}

func (e *TransformError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if url := strings.TrimSpace(e.URL); url != "" {
		parts = append(parts, url)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *TransformError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func NewFetchError(url string, cause error) error {
	return &TransformError{Kind: ErrFetch, URL: url, Cause: cause}
}

func NewDecodeError(url string, cause error) error {
	return &TransformError{Kind: ErrDecode, URL: url, Cause: cause}
}

func NewUploadError(url string, cause error) error {
	return &TransformError{Kind: ErrUpload, URL: url, Cause: cause}
}
