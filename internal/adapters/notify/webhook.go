// Package notify delivers user-facing messages through an outbound
// webhook, the integration point for chat bridges and pagers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/ports"
)

// WebhookNotifier implements ports.Notifier by POSTing one JSON
// payload per message. Delivery is judged by the HTTP status alone:
// 2xx is delivered, anything else is a failure the reminder state
// machine retries.
type WebhookNotifier struct {
	logger *slog.Logger
	client *http.Client
	url    string
	token  string
}

func NewWebhookNotifier(logger *slog.Logger, url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		token:  token,
	}
}

var _ ports.Notifier = (*WebhookNotifier)(nil)

func (n *WebhookNotifier) Send(ctx context.Context, targetID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"user_id": targetID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	n.logger.Debug("notification delivered", "target", targetID)
	return nil
}
