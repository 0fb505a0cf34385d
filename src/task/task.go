// Package task defines the AI task data model, schedule descriptors and
// the next-run calculator shared by the store, broker, workers and beat.
package task

import (
	"time"
)

// TaskType categorizes what a task does
type TaskType string

const (
	TypeReminder  TaskType = "reminder"
	TypeAutomated TaskType = "automated_task"
	TypePeriodic  TaskType = "periodic_task"
)

// ScheduleType determines how next_run_at is computed
type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "once"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
	ScheduleCustom  ScheduleType = "custom"
)

// Recurring reports whether the schedule type produces more than one run.
func (s ScheduleType) Recurring() bool {
	return s != ScheduleOnce
}

// Status represents task lifecycle state
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidTransition reports whether a status change is allowed.
// active -> processing -> (completed | failed | active); active <-> paused.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusProcessing || to == StatusPaused
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusActive
	case StatusPaused:
		return to == StatusActive
	default:
		return false
	}
}

// MaxTitleLength is enforced on create and update.
const MaxTitleLength = 255

// Task is a user-defined unit of deferred or recurring work.
type Task struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	TaskType    TaskType     `json:"task_type"`
	ScheduleType ScheduleType `json:"schedule_type"`
	ScheduleConfig ScheduleConfig `json:"schedule_config"`
	NextRunAt   *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time   `json:"last_run_at,omitempty"`
	Status      Status       `json:"status"`
	AIContext   string       `json:"ai_context,omitempty"`
	NotificationChannels []string `json:"notification_channels"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Due reports whether the task should be claimed and executed.
func (t *Task) Due(now time.Time) bool {
	return t.Status == StatusActive && t.NextRunAt != nil && !t.NextRunAt.After(now)
}

// Validate checks the fields a caller controls on create.
func (t *Task) Validate() error {
	if t.Title == "" || len(t.Title) > MaxTitleLength {
		return ErrInvalidSpec
	}
	switch t.TaskType {
	case TypeReminder, TypeAutomated, TypePeriodic:
	default:
		return ErrInvalidSpec
	}
	if len(t.NotificationChannels) == 0 {
		return ErrInvalidSpec
	}
	return t.ScheduleConfig.Validate(t.ScheduleType)
}
