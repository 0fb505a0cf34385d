package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() ChannelName { return ChannelLog }

func (c *LogChannel) Send(ctx context.Context, alert *Alert) error {
	level := slog.LevelWarn
	if alert.Severity == SeverityCritical || alert.Severity == SeverityError {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "alert fired",
		"alert_id", alert.ID,
		"rule", alert.RuleName,
		"severity", alert.Severity,
		"message", alert.Message)
	return nil
}

// ConsoleChannel prints alerts to a writer, stdout by default.
type ConsoleChannel struct {
	out io.Writer
}

func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleChannel{out: out}
}

func (c *ConsoleChannel) Name() ChannelName { return ChannelConsole }

func (c *ConsoleChannel) Send(ctx context.Context, alert *Alert) error {
	_, err := fmt.Fprintf(c.out, "[%s] %s %s: %s\n",
		alert.Timestamp.UTC().Format(time.RFC3339),
		alert.Severity, alert.RuleName, alert.Message)
	return err
}

// AdminMailer sends operational mail. The email package's Mailer
// satisfies it.
type AdminMailer interface {
	SendAlert(alertType, message string) error
}

// EmailChannel mails alerts to the configured admin addresses.
type EmailChannel struct {
	mailer AdminMailer
}

func NewEmailChannel(mailer AdminMailer) *EmailChannel {
	return &EmailChannel{mailer: mailer}
}

func (c *EmailChannel) Name() ChannelName { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, alert *Alert) error {
	return c.mailer.SendAlert(alert.RuleName, alert.Message)
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SlackChannel) Name() ChannelName { return ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf(":rotating_light: *%s* [%s]\n%s",
			alert.RuleName, alert.Severity, alert.Message),
	})
	if err != nil {
		return err
	}
	return c.post(ctx, payload)
}

func (c *SlackChannel) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL,
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the full alert as JSON to an arbitrary endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() ChannelName { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url,
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
