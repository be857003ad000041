package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs the final batch state to a callback URL exactly once.
type WebhookNotifier struct {
	client *resty.Client
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client.SetTimeout(timeout)

	notifier, _ := NewWebhookNotifierWithClient(client)
	return notifier
}

func NewWebhookNotifierWithClient(client *resty.Client) (*WebhookNotifier, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookNotifier{client: client}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, payload WebhookPayload) error {
	if n == nil || n.client == nil {
		return fmt.Errorf("notifier is not initialized")
	}

	endpoint := strings.TrimSpace(callbackURL)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return &ProviderError{
			Provider: "webhook",
			Message:  "invalid callback url",
			Cause:    fmt.Errorf("%w: %w", domain.ErrNotify, err),
		}
	}

	response, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(endpoint)
	if err != nil {
		return &ProviderError{
			Provider:  "webhook",
			Message:   "callback request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     fmt.Errorf("%w: %w", domain.ErrNotify, err),
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &ProviderError{
		Provider:   "webhook",
		StatusCode: statusCode,
		Message:    callbackErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
		Cause:      domain.ErrNotify,
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func callbackErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("callback returned status %d", statusCode)
	if body == "" {
		return base
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("%s: %s", base, body)
}
