package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// WebhookSink POSTs each Event as JSON to a configured URL, retrying
// transient failures with retryablehttp's capped exponential backoff.
type WebhookSink struct {
	URL    string
	client *retryablehttp.Client
}

// NewWebhookSink builds a WebhookSink posting to url. retries bounds
// how many additional attempts retryablehttp makes beyond the first.
func NewWebhookSink(url string, retries int) *WebhookSink {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = retries
	client.Logger = nil
	return &WebhookSink{URL: url, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, event Event) Result {
	body, err := json.Marshal(event)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal event: %w", err)}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("deliver webhook: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{Err: fmt.Errorf("webhook responded %s", resp.Status)}
	}
	return Result{Delivered: true}
}
