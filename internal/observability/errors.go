package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrorReporter forwards terminal failures to Sentry. A reporter built
// without a DSN, or a nil reporter, drops everything.
type ErrorReporter struct {
	hub *sentry.Hub
}

func NewErrorReporter(dsn string, environment string, release string) (*ErrorReporter, error) {
	if strings.TrimSpace(dsn) == "" {
		return &ErrorReporter{}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}

	return &ErrorReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *ErrorReporter) Enabled() bool {
	return r != nil && r.hub != nil
}

func (r *ErrorReporter) Capture(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events; call before process exit.
func (r *ErrorReporter) Flush(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	r.hub.Flush(timeout)
}
