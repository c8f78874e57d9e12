package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/meterline/turnstile/internal/platform/timeouts"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

// WebhookConsumer posts settlement payloads to the billing endpoint. The
// payload is the finalize-time usage event JSON, reposted verbatim on every
// retry so the receiver's dedupe key never shifts.
type WebhookConsumer struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookConsumer creates a consumer for the given endpoint. token, when
// non-empty, is sent as a bearer credential.
func NewWebhookConsumer(url, token string) *WebhookConsumer {
	return &WebhookConsumer{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeouts.BillingDelivery,
		},
	}
}

// Deliver posts one settlement event. Any non-2xx response is an error, so
// the dispatcher's retry policy owns all failure handling.
func (c *WebhookConsumer) Deliver(ctx context.Context, settlement storage.SettlementRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(settlement.PayloadJSON))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", settlement.ID)
	req.Header.Set("X-Tenant-ID", settlement.TenantID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post settlement: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("billing endpoint returned %d", resp.StatusCode)
	}
	return nil
}
