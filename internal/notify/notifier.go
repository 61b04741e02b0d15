package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers pending-cart reminders. A failed delivery leaves the
// cart's notified_at unset so the next sweep cycle retries it.
type Notifier interface {
	SendPendingCartReminder(ctx context.Context, email string) error
}

// HTTPNotifier posts reminders to an external notification service.
type HTTPNotifier struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		url:     url,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) SendPendingCartReminder(ctx context.Context, email string) error {
	payload, err := json.Marshal(map[string]string{
		"type":  "pending_cart_reminder",
		"email": email,
	})
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build reminder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notifier returned %d", resp.StatusCode)
	}

	return nil
}

// LogNotifier stands in when no notifier endpoint is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendPendingCartReminder(_ context.Context, email string) error {
	n.logger.Info("pending cart reminder (no notifier configured)", zap.String("email", email))
	return nil
}
