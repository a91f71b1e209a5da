package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookNotifier posts notifications as JSON to an HTTP endpoint, e.g. a
// push gateway in front of the mobile app.
type WebhookNotifier struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

// WebhookPayload is the body sent for every notification
type WebhookPayload struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
	Source string    `json:"source"`
}

func NewWebhookNotifier(logger *zap.Logger, url string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger,
		url:    url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, title, body string) error {
	payload := WebhookPayload{
		Title:  title,
		Body:   body,
		SentAt: time.Now(),
		Source: "sprout",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sprout-Irrigation-Service/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Error("Failed to send webhook notification", zap.Error(err), zap.String("url", w.url))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug("Webhook notification sent",
			zap.String("title", title),
			zap.Int("status_code", resp.StatusCode))
		return nil
	}

	w.logger.Error("Webhook returned error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("status", resp.Status))
	return fmt.Errorf("webhook error: %s", resp.Status)
}
