// Package notify fans task results out to a user's configured
// notification channels. Delivery is best-effort per channel; the
// dispatch succeeds when at least one channel accepted the message.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apimgr/assistant/src/task"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelInApp = "in_app"
)

// Notification is the content to deliver.
type Notification struct {
	UserID  int64
	TaskID  int64
	Title   string
	Message string
	// Failed marks the task run as unsuccessful; channels prefix the
	// message accordingly.
	Failed bool
}

// Outcome records the delivery result for one channel.
type Outcome struct {
	Channel string        `json:"channel"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher routes notifications to registered channels.
type Dispatcher struct {
	channels map[string]Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		logger:   logger,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Register adds or replaces a channel.
func (d *Dispatcher) Register(ch Channel) {
	d.channels[ch.Name()] = ch
}

// Dispatch delivers the notification to each named channel in order and
// returns the per-channel outcomes. It returns ErrChannelUnavailable
// only when every requested channel failed; a single success is a
// successful dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, names []string, n *Notification) ([]Outcome, error) {
	if len(names) == 0 {
		names = []string{ChannelInApp}
	}

	outcomes := make([]Outcome, 0, len(names))
	delivered := false
	for _, name := range names {
		start := time.Now()
		ch, ok := d.channels[name]
		if !ok {
			d.logger.Warn("notification channel not configured",
				"channel", name, "task_id", n.TaskID)
			outcomes = append(outcomes, Outcome{
				Channel: name,
				OK:      false,
				Error:   task.ErrChannelUnavailable.Error(),
				Elapsed: time.Since(start),
			})
			continue
		}

		err := ch.Deliver(ctx, n)
		out := Outcome{Channel: name, OK: err == nil, Elapsed: time.Since(start)}
		if err != nil {
			out.Error = err.Error()
			d.logger.Warn("notification delivery failed",
				"channel", name, "task_id", n.TaskID, "error", err)
		} else {
			delivered = true
		}
		outcomes = append(outcomes, out)
	}

	if !delivered {
		return outcomes, fmt.Errorf("all %d channels failed: %w",
			len(names), task.ErrChannelUnavailable)
	}
	return outcomes, nil
}

// renderBody produces the cross-channel message text. Failed runs get a
// visible marker so users see breakage without reading logs.
func renderBody(n *Notification) string {
	body := n.Message
	if body == "" {
		body = n.Title
	}
	if n.Failed {
		return "[FAILED] " + body
	}
	return body
}
