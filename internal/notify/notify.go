// Package notify delivers pipeline notifications to chat webhooks and logs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pipewarden/internal/core"
)

// WebhookConfig configures a Slack-compatible incoming webhook.
type WebhookConfig struct {
	URL      string `koanf:"webhook_url"`
	Channel  string `koanf:"channel"`
	Username string `koanf:"username"`
}

// Webhook posts notifications to a Slack-compatible incoming webhook.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

var _ core.Notifier = (*Webhook)(nil)

// webhookPayload is the JSON payload sent to the webhook.
type webhookPayload struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

// SetClient sets a custom HTTP client.
func (w *Webhook) SetClient(c *http.Client) { w.client = c }

func (w *Webhook) Notify(ctx context.Context, n core.Notification) error {
	if w.cfg.URL == "" {
		return errors.New("webhook URL not configured")
	}
	body, err := json.Marshal(webhookPayload{
		Channel:  w.cfg.Channel,
		Username: w.cfg.Username,
		Text:     Format(n),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.logger.Info("Notification sent", "channel", w.cfg.Channel)
	return nil
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n core.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"message", n.Message}
	if n.Outcome != nil {
		attrs = append(attrs, "pipeline", n.Outcome.Pipeline, "build", n.Outcome.BuildID, "status", n.Outcome.Status)
	}
	if n.LogRef != "" {
		attrs = append(attrs, "report", n.LogRef)
	}
	logger.Info("Notification", attrs...)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []core.Notifier

func (f Fanout) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Format renders a notification as chat text: the message, then a summary
// line per stage when an outcome is attached.
func Format(n core.Notification) string {
	var b strings.Builder
	b.WriteString(n.Message)
	if o := n.Outcome; o != nil {
		fmt.Fprintf(&b, "\n*%s* #%s on `%s`: %s", o.Pipeline, o.BuildID, o.Branch, o.Status)
		if o.FailedStage != "" {
			fmt.Fprintf(&b, " (%s in %s)", o.FailureKind, o.FailedStage)
		}
		for _, r := range o.Stages {
			mark := statusMark(r.Status)
			fmt.Fprintf(&b, "\n%s %s", mark, r.Stage)
			if r.SkipReason != "" {
				fmt.Fprintf(&b, " (%s)", r.SkipReason)
			}
		}
		if o.CleanupDegraded {
			b.WriteString("\n:warning: cleanup degraded")
		}
	}
	if n.LogRef != "" {
		fmt.Fprintf(&b, "\nReport: %s", n.LogRef)
	}
	return b.String()
}

func statusMark(s core.StageStatus) string {
	switch s {
	case core.StageSucceeded:
		return ":white_check_mark:"
	case core.StageSkipped:
		return ":fast_forward:"
	case core.StageTimedOut:
		return ":hourglass:"
	default:
		return ":x:"
	}
}
