package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/apimgr/assistant/src/email"
	"github.com/apimgr/assistant/src/task"
)

// EmailChannel delivers notifications over SMTP using the shared mailer.
type EmailChannel struct {
	mailer    *email.Mailer
	templates *email.EmailTemplate
	siteName  string
	// lookupEmail resolves a user id to a destination address.
	lookupEmail func(ctx context.Context, userID int64) (string, error)
}

// NewEmailChannel creates the email channel.
func NewEmailChannel(mailer *email.Mailer, siteName string, lookup func(ctx context.Context, userID int64) (string, error)) *EmailChannel {
	return &EmailChannel{
		mailer:      mailer,
		templates:   email.NewEmailTemplate(),
		siteName:    siteName,
		lookupEmail: lookup,
	}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Deliver(ctx context.Context, n *Notification) error {
	if !c.mailer.IsEnabled() {
		return fmt.Errorf("mailer disabled: %w", task.ErrChannelUnavailable)
	}
	to, err := c.lookupEmail(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve email for user %d: %w", n.UserID, err)
	}

	tmpl := email.TemplateTaskCompleted
	if n.Failed {
		tmpl = email.TemplateTaskFailed
	}
	subject, body, err := c.templates.Render(tmpl, &email.TaskResultData{
		TemplateData: email.NewTemplateData(c.siteName),
		Title:        n.Title,
		Result:       n.Message,
		Error:        n.Message,
		FinishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	msg := email.NewMessage([]string{to}, subject, renderBody(n))
	msg.SetHTML(body)
	return c.mailer.Send(msg)
}

// InboxAppender persists in-app notifications. The store satisfies it.
type InboxAppender interface {
	AppendInbox(ctx context.Context, userID, taskID int64, message string, ttl time.Duration) error
}

// InAppChannel writes notifications to the user's database inbox.
type InAppChannel struct {
	inbox InboxAppender
	ttl   time.Duration
}

// NewInAppChannel creates the in-app channel. Messages expire after ttl.
func NewInAppChannel(inbox InboxAppender, ttl time.Duration) *InAppChannel {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &InAppChannel{inbox: inbox, ttl: ttl}
}

func (c *InAppChannel) Name() string { return ChannelInApp }

func (c *InAppChannel) Deliver(ctx context.Context, n *Notification) error {
	return c.inbox.AppendInbox(ctx, n.UserID, n.TaskID, renderBody(n), c.ttl)
}
