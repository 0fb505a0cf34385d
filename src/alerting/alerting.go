// Package alerting evaluates monitoring rules against current metrics
// and fans fired alerts out to configured channels.
package alerting

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Condition names what a rule measures. Closed set; rules with an
// unknown condition never fire.
type Condition string

const (
	CondTaskFailureRate Condition = "task_failure_rate"
	CondMemoryPercent   Condition = "memory_percent"
	CondCPUPercent      Condition = "cpu_percent"
	CondQueueBacklog    Condition = "queue_backlog"
)

// ChannelName identifies an alert delivery channel.
type ChannelName string

const (
	ChannelLog     ChannelName = "LOG"
	ChannelConsole ChannelName = "CONSOLE"
	ChannelEmail   ChannelName = "EMAIL"
	ChannelSlack   ChannelName = "SLACK"
	ChannelWebhook ChannelName = "WEBHOOK"
)

// Rule is one monitoring rule.
type Rule struct {
	Name            string        `json:"name"`
	Condition       Condition     `json:"condition"`
	Threshold       float64       `json:"threshold"`
	Window          time.Duration `json:"window"`
	Severity        Severity      `json:"severity"`
	Channels        []ChannelName `json:"channels"`
	Cooldown        time.Duration `json:"cooldown"`
	MessageTemplate string        `json:"message_template"`
	Enabled         bool          `json:"enabled"`
	LastTriggered   *time.Time    `json:"last_triggered,omitempty"`
}

// Alert is an instantiated rule firing.
type Alert struct {
	ID             string            `json:"id"`
	RuleName       string            `json:"rule_name"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
}

// Metrics is the snapshot a rule evaluation reads. Queue depths are
// per-queue; the backlog condition fires on the deepest queue.
type Metrics struct {
	TaskFailureRate float64
	CPUPercent      float64
	MemoryPercent   float64
	QueueLengths    map[string]int
}

// Channel delivers fired alerts. Failures of one channel never abort
// the others.
type Channel interface {
	Name() ChannelName
	Send(ctx context.Context, alert *Alert) error
}

// Manager evaluates rules and keeps a bounded alert history.
type Manager struct {
	mu       sync.Mutex
	rules    map[string]*Rule
	history  []*Alert
	channels map[ChannelName]Channel
	maxAge   time.Duration
	now      func() time.Time
	onError  func(channel ChannelName, alert *Alert, err error)
}

// Option tunes a Manager.
type Option func(*Manager)

// WithHistoryAge overrides the history retention window.
func WithHistoryAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithoutDefaultRules starts the manager with an empty rule set.
func WithoutDefaultRules() Option {
	return func(m *Manager) { m.rules = make(map[string]*Rule) }
}

// WithChannelErrorHook observes per-channel delivery failures.
func WithChannelErrorHook(fn func(channel ChannelName, alert *Alert, err error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// NewManager creates a manager carrying the default rule set.
func NewManager(channels []Channel, opts ...Option) *Manager {
	m := &Manager{
		rules:    make(map[string]*Rule),
		channels: make(map[ChannelName]Channel, len(channels)),
		maxAge:   168 * time.Hour,
		now:      time.Now,
	}
	for _, r := range DefaultRules() {
		m.rules[r.Name] = r
	}
	for _, ch := range channels {
		m.channels[ch.Name()] = ch
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultRules returns the built-in rule set present in a fresh manager.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:            "high_task_failure_rate",
			Condition:       CondTaskFailureRate,
			Threshold:       0.10,
			Window:          15 * time.Minute,
			Severity:        SeverityWarning,
			Channels:        []ChannelName{ChannelLog},
			Cooldown:        15 * time.Minute,
			MessageTemplate: "task failure rate %.0f%% exceeds %.0f%%",
			Enabled:         true,
		},
		{
			Name:            "critical_task_failure_rate",
			Condition:       CondTaskFailureRate,
			Threshold:       0.25,
			Window:          15 * time.Minute,
			Severity:        SeverityCritical,
			Channels:        []ChannelName{ChannelLog, ChannelEmail},
			Cooldown:        10 * time.Minute,
			MessageTemplate: "task failure rate %.0f%% exceeds %.0f%%",
			Enabled:         true,
		},
		{
			Name:            "high_memory_usage",
			Condition:       CondMemoryPercent,
			Threshold:       85,
			Window:          5 * time.Minute,
			Severity:        SeverityWarning,
			Channels:        []ChannelName{ChannelLog},
			Cooldown:        30 * time.Minute,
			MessageTemplate: "memory usage %.1f%% exceeds %.1f%%",
			Enabled:         true,
		},
		{
			Name:            "high_cpu_usage",
			Condition:       CondCPUPercent,
			Threshold:       90,
			Window:          5 * time.Minute,
			Severity:        SeverityWarning,
			Channels:        []ChannelName{ChannelLog},
			Cooldown:        30 * time.Minute,
			MessageTemplate: "cpu usage %.1f%% exceeds %.1f%%",
			Enabled:         true,
		},
		{
			Name:            "queue_backlog",
			Condition:       CondQueueBacklog,
			Threshold:       100,
			Window:          5 * time.Minute,
			Severity:        SeverityWarning,
			Channels:        []ChannelName{ChannelLog},
			Cooldown:        15 * time.Minute,
			MessageTemplate: "queue depth %.0f exceeds %.0f",
			Enabled:         true,
		},
	}
}

// AddRule inserts or replaces a rule.
func (m *Manager) AddRule(r *Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.Name] = r
}

// DisableRule turns a rule off without removing it.
func (m *Manager) DisableRule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[name]; ok {
		r.Enabled = false
	}
}

// Rules lists all rules sorted by name.
func (m *Manager) Rules() []*Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs every enabled rule against the metrics snapshot and
// returns the alerts fired on this pass.
func (m *Manager) Evaluate(ctx context.Context, metrics Metrics) []*Alert {
	m.mu.Lock()
	now := m.now()
	m.pruneLocked(now)

	var fired []*Alert
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		if rule.LastTriggered != nil && now.Sub(*rule.LastTriggered) < rule.Cooldown {
			continue
		}
		value, ok := conditionValue(rule.Condition, metrics)
		if !ok || value <= rule.Threshold {
			continue
		}

		ts := now
		rule.LastTriggered = &ts
		alert := &Alert{
			ID:        "alert_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
			RuleName:  rule.Name,
			Severity:  rule.Severity,
			Message:   renderMessage(rule, value),
			Timestamp: now,
			Metadata: map[string]string{
				"condition": string(rule.Condition),
				"value":     fmt.Sprintf("%g", value),
				"threshold": fmt.Sprintf("%g", rule.Threshold),
			},
		}
		m.history = append(m.history, alert)
		fired = append(fired, alert)
	}

	// Copy the channel targets out so delivery happens unlocked.
	type delivery struct {
		alert    *Alert
		channels []ChannelName
	}
	deliveries := make([]delivery, 0, len(fired))
	for _, alert := range fired {
		deliveries = append(deliveries, delivery{alert, m.rules[alert.RuleName].Channels})
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		for _, name := range d.channels {
			ch, ok := m.channels[name]
			if !ok {
				continue
			}
			if err := ch.Send(ctx, d.alert); err != nil && m.onError != nil {
				m.onError(name, d.alert, err)
			}
		}
	}
	return fired
}

func conditionValue(cond Condition, metrics Metrics) (float64, bool) {
	switch cond {
	case CondTaskFailureRate:
		return metrics.TaskFailureRate, true
	case CondMemoryPercent:
		return metrics.MemoryPercent, true
	case CondCPUPercent:
		return metrics.CPUPercent, true
	case CondQueueBacklog:
		max := 0
		for _, depth := range metrics.QueueLengths {
			if depth > max {
				max = depth
			}
		}
		return float64(max), true
	default:
		return 0, false
	}
}

func renderMessage(rule *Rule, value float64) string {
	tmpl := rule.MessageTemplate
	if tmpl == "" {
		return fmt.Sprintf("%s: %g exceeds %g", rule.Name, value, rule.Threshold)
	}
	shown := value
	if rule.Condition == CondTaskFailureRate {
		shown = value * 100
	}
	threshold := rule.Threshold
	if rule.Condition == CondTaskFailureRate {
		threshold = rule.Threshold * 100
	}
	if strings.Count(tmpl, "%") >= 2 {
		return fmt.Sprintf(tmpl, shown, threshold)
	}
	return tmpl
}

// Acknowledge marks an alert acknowledged. Repeated calls are no-ops;
// unknown ids report false.
func (m *Manager) Acknowledge(alertID, user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.history {
		if alert.ID != alertID {
			continue
		}
		if alert.Acknowledged {
			return true
		}
		ts := m.now()
		alert.Acknowledged = true
		alert.AcknowledgedBy = user
		alert.AcknowledgedAt = &ts
		return true
	}
	return false
}

// History returns retained alerts, newest last.
func (m *Manager) History() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	out := make([]*Alert, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.maxAge)
	keep := m.history[:0]
	for _, alert := range m.history {
		if alert.Timestamp.After(cutoff) {
			keep = append(keep, alert)
		}
	}
	m.history = keep
}
