package task

import (
	"errors"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusProcessing, true},
		{StatusActive, StatusPaused, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusActive, true},
		{StatusPaused, StatusActive, true},
		{StatusActive, StatusCompleted, false},
		{StatusPaused, StatusProcessing, false},
		{StatusCompleted, StatusActive, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusProcessing, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"active past", Task{Status: StatusActive, NextRunAt: &past}, true},
		{"active future", Task{Status: StatusActive, NextRunAt: &future}, false},
		{"active no schedule", Task{Status: StatusActive}, false},
		{"paused past", Task{Status: StatusPaused, NextRunAt: &past}, false},
		{"processing past", Task{Status: StatusProcessing, NextRunAt: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Due(now); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskValidate(t *testing.T) {
	valid := Task{
		Title:                "Take meds",
		TaskType:             TypeReminder,
		ScheduleType:         ScheduleDaily,
		ScheduleConfig:       ScheduleConfig{Hour: 9},
		NotificationChannels: []string{"sms"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid task: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"empty title", func(tk *Task) { tk.Title = "" }},
		{"long title", func(tk *Task) {
			for len(tk.Title) <= MaxTitleLength {
				tk.Title += "xxxxxxxxxx"
			}
		}},
		{"bad type", func(tk *Task) { tk.TaskType = "cron" }},
		{"no channels", func(tk *Task) { tk.NotificationChannels = nil }},
		{"bad schedule", func(tk *Task) { tk.ScheduleConfig = ScheduleConfig{Hour: 99} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := valid
			tt.mutate(&tk)
			if err := tk.Validate(); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("err = %v, want ErrInvalidSpec", err)
			}
		})
	}
}
