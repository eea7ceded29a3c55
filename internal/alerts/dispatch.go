package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fiberstack/fiber/internal/model"
)

const (
	webhookTimeout  = 5 * time.Second
	webhookAttempts = 3
	webhookBaseWait = 2 * time.Second
	webhookMaxWait  = 10 * time.Second

	colorCritical = "#EF4444"
	colorWarning  = "#F59E0B"
)

// Dispatcher delivers one alert to its destination. Implementations own
// their retry policy; an error means the alert could not be delivered and
// should go to the DLQ.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert model.Alert) error
}

// LogDispatcher writes alerts to the structured log. The default when no
// webhook is configured.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

// Dispatch logs the alert. Never fails.
func (d *LogDispatcher) Dispatch(_ context.Context, alert model.Alert) error {
	d.log.Warn("alert fired",
		"event", "alert_fired",
		"alert_id", alert.AlertID,
		"node_id", alert.NodeID,
		"severity", string(alert.Severity),
		"metric", alert.MetricName,
		"value", alert.Value,
		"threshold", alert.Threshold,
		"message", alert.Message,
	)
	return nil
}

// WebhookDispatcher posts Slack-compatible payloads to a webhook URL,
// retrying transient failures with exponential backoff before giving up.
type WebhookDispatcher struct {
	url      string
	client   *http.Client
	baseWait time.Duration
	log      *slog.Logger
}

// NewWebhookDispatcher creates a webhook dispatcher for url.
func NewWebhookDispatcher(url string, log *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:      url,
		client:   &http.Client{Timeout: webhookTimeout},
		baseWait: webhookBaseWait,
		log:      log,
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Dispatch posts the alert, retrying up to webhookAttempts times. Any
// 4xx/5xx status counts as a failed attempt.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(buildSlackPayload(alert))
	if err != nil {
		return fmt.Errorf("alerts: encode webhook payload: %w", err)
	}

	var lastErr error
	wait := d.baseWait
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("alerts: webhook dispatch: %w", ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
			if wait > webhookMaxWait {
				wait = webhookMaxWait
			}
		}

		if err := d.post(ctx, body); err != nil {
			lastErr = err
			count(ctx, "fiber.alerts.webhook_failures")
			d.log.Warn("alerts: webhook attempt failed",
				"alert_id", alert.AlertID, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("alerts: webhook dispatch after %d attempts: %w", webhookAttempts, lastErr)
}

func (d *WebhookDispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func buildSlackPayload(alert model.Alert) slackPayload {
	color := colorWarning
	if alert.Severity == model.SeverityCritical {
		color = colorCritical
	}
	return slackPayload{
		Attachments: []slackAttachment{{
			Color: color,
			Blocks: []slackBlock{
				{
					Type: "section",
					Text: &slackText{
						Type: "mrkdwn",
						Text: fmt.Sprintf("🚨 *%s*: %s", strings.ToUpper(string(alert.Severity)), alert.Message),
					},
				},
				{
					Type: "context",
					Elements: []slackText{{
						Type: "mrkdwn",
						Text: fmt.Sprintf("Node: `%s` | Time: %s", alert.NodeID, alert.Timestamp.Format(time.RFC3339)),
					}},
				},
			},
		}},
	}
}
