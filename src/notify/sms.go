package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// maxSMSRunes is the provider's hard cap on message body length.
const maxSMSRunes = 1500

// TwilioConfig holds SMS gateway credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string `yaml:"base_url"`
}

// SMSChannel sends notifications through the Twilio messages API.
type SMSChannel struct {
	cfg    TwilioConfig
	client *http.Client
	logger *slog.Logger
	// lookupNumber resolves a user id to a destination phone number.
	lookupNumber func(ctx context.Context, userID int64) (string, error)
}

// NewSMSChannel creates the SMS channel. lookup resolves user ids to
// E.164 phone numbers.
func NewSMSChannel(cfg TwilioConfig, logger *slog.Logger, lookup func(ctx context.Context, userID int64) (string, error)) *SMSChannel {
	return &SMSChannel{
		cfg:          cfg,
		client:       &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
		lookupNumber: lookup,
	}
}

func (c *SMSChannel) Name() string { return ChannelSMS }

// Deliver posts the message to the SMS gateway. Server errors are
// retried up to three times with doubling backoff; client errors are
// permanent.
func (c *SMSChannel) Deliver(ctx context.Context, n *Notification) error {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("sms gateway not configured: %w", task.ErrChannelUnavailable)
	}
	to, err := c.lookupNumber(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve phone for user %d: %w", n.UserID, err)
	}

	body := renderBody(n)
	if runes := []rune(body); len(runes) > maxSMSRunes {
		c.logger.Warn("sms body truncated",
			"task_id", n.TaskID, "length", len(runes), "limit", maxSMSRunes)
		body = string(runes[:maxSMSRunes])
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	endpoint := c.cfg.BaseURL
	if endpoint == "" {
		endpoint = "https://api.twilio.com"
	}
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", endpoint, c.cfg.AccountSID)

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build sms request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("sms request: %w", err)
			continue
		}
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("sms gateway %d: %s: %w",
				resp.StatusCode, strings.TrimSpace(string(payload)), task.ErrTransientUpstream)
		default:
			return fmt.Errorf("sms gateway %d: %s: %w",
				resp.StatusCode, strings.TrimSpace(string(payload)), task.ErrPermanentUpstream)
		}
	}
	return lastErr
}
