package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScheduleConfig holds the schedule descriptor for a task. Which fields
// are meaningful depends on the task's ScheduleType:
//
//	once:    run_at
//	daily:   hour, minute
//	weekly:  weekdays (0=Monday..6=Sunday), hour, minute
//	monthly: day (1-31, clamped to month length), hour, minute
//	custom:  interval_minutes
//
// Instants are stored as ISO-8601 UTC strings on the wire.
type ScheduleConfig struct {
	RunAt           string `json:"run_at,omitempty"`
	Hour            int    `json:"hour,omitempty"`
	Minute          int    `json:"minute,omitempty"`
	Weekdays        []int  `json:"weekdays,omitempty"`
	Day             int    `json:"day,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
}

// SetRunAt normalizes an instant to an ISO-8601 UTC string before it is
// persisted.
func (c *ScheduleConfig) SetRunAt(t time.Time) {
	c.RunAt = t.UTC().Format(time.RFC3339)
}

// RunAtTime parses the run_at instant, if present.
func (c *ScheduleConfig) RunAtTime() (time.Time, error) {
	if c.RunAt == "" {
		return time.Time{}, fmt.Errorf("run_at missing: %w", ErrInvalidSpec)
	}
	t, err := time.Parse(time.RFC3339, c.RunAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("run_at %q: %w", c.RunAt, ErrInvalidSpec)
	}
	return t.UTC(), nil
}

// Validate checks the descriptor against its schedule type.
func (c *ScheduleConfig) Validate(st ScheduleType) error {
	switch st {
	case ScheduleOnce:
		_, err := c.RunAtTime()
		return err
	case ScheduleDaily:
		return validClock(c.Hour, c.Minute)
	case ScheduleWeekly:
		if len(c.Weekdays) == 0 {
			return fmt.Errorf("weekly schedule requires weekdays: %w", ErrInvalidSpec)
		}
		for _, wd := range c.Weekdays {
			if wd < 0 || wd > 6 {
				return fmt.Errorf("weekday %d out of range: %w", wd, ErrInvalidSpec)
			}
		}
		return validClock(c.Hour, c.Minute)
	case ScheduleMonthly:
		if c.Day < 1 || c.Day > 31 {
			return fmt.Errorf("day %d out of range: %w", c.Day, ErrInvalidSpec)
		}
		return validClock(c.Hour, c.Minute)
	case ScheduleCustom:
		if c.IntervalMinutes <= 0 {
			return fmt.Errorf("interval_minutes must be positive: %w", ErrInvalidSpec)
		}
		return nil
	default:
		return fmt.Errorf("schedule type %q: %w", st, ErrInvalidSpec)
	}
}

// EncodeScheduleConfig serializes a descriptor for persistence.
func EncodeScheduleConfig(c ScheduleConfig) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeScheduleConfig parses a persisted descriptor.
func DecodeScheduleConfig(data []byte) (ScheduleConfig, error) {
	var c ScheduleConfig
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("schedule_config: %w", ErrInvalidSpec)
	}
	return c, nil
}

func validClock(hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("clock %02d:%02d out of range: %w", hour, minute, ErrInvalidSpec)
	}
	return nil
}

// NextRun computes the next execution instant strictly after now, or nil
// when the schedule is terminal. All computation is in UTC.
func NextRun(st ScheduleType, cfg ScheduleConfig, now time.Time) (*time.Time, error) {
	if err := cfg.Validate(st); err != nil {
		return nil, err
	}
	now = now.UTC()

	switch st {
	case ScheduleOnce:
		at, err := cfg.RunAtTime()
		if err != nil {
			return nil, err
		}
		if at.After(now) {
			return &at, nil
		}
		return nil, nil

	case ScheduleDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, cfg.Minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case ScheduleWeekly:
		// Weekday 0 is Monday; time.Weekday 0 is Sunday.
		today := (int(now.Weekday()) + 6) % 7
		best := time.Time{}
		for _, wd := range cfg.Weekdays {
			delta := (wd - today + 7) % 7
			cand := time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, cfg.Minute, 0, 0, time.UTC).AddDate(0, 0, delta)
			if !cand.After(now) {
				cand = cand.AddDate(0, 0, 7)
			}
			if best.IsZero() || cand.Before(best) {
				best = cand
			}
		}
		return &best, nil

	case ScheduleMonthly:
		cand := monthlyOccurrence(now.Year(), now.Month(), cfg)
		if !cand.After(now) {
			y, m := now.Year(), now.Month()+1
			cand = monthlyOccurrence(y, m, cfg)
		}
		return &cand, nil

	case ScheduleCustom:
		next := now.Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
		return &next, nil
	}

	return nil, fmt.Errorf("schedule type %q: %w", st, ErrInvalidSpec)
}

// monthlyOccurrence places day/hour/minute inside the given month,
// clamping day to the month's last valid day (Feb 31 -> Feb 28/29).
func monthlyOccurrence(year int, month time.Month, cfg ScheduleConfig) time.Time {
	day := cfg.Day
	last := daysInMonth(year, month)
	if day > last {
		day = last
	}
	return time.Date(year, month, day, cfg.Hour, cfg.Minute, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
