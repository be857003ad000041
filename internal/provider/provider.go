package provider

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Uploader stores a processed image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// Notifier delivers the final state of a batch to its callback URL.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, payload WebhookPayload) error
}

// WebhookPayload is the JSON body POSTed to a batch's callback URL.
type WebhookPayload struct {
	RequestID string           `json:"requestId"`
	Status    string           `json:"status"`
	Products  []WebhookProduct `json:"products"`
}

type WebhookProduct struct {
	ID                  string    `json:"id"`
	ProcessingRequestID string    `json:"processingRequestId"`
	SerialNumber        string    `json:"serialNumber"`
	ProductName         string    `json:"productName"`
	InputImageURLs      []string  `json:"inputImageUrls"`
	OutputImageURLs     []string  `json:"outputImageUrls"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

const imageContentType = "image/jpeg"

// objectKey joins the configured key prefix and object name.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// publicURL builds the URL clients use to read an uploaded object.
func publicURL(baseURL, key string) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	return base.JoinPath(strings.Split(key, "/")...).String(), nil
}
