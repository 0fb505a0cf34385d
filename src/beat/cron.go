package beat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// Schedule is a parsed 5-field cron expression (minute hour day month
// weekday), evaluated in UTC at minute resolution.
type Schedule struct {
	minutes  map[int]struct{}
	hours    map[int]struct{}
	days     map[int]struct{}
	months   map[int]struct{}
	weekdays map[int]struct{} // 0=Sunday
}

// Parse compiles a cron expression. Fields support "*", single values,
// lists ("1,15,30"), ranges ("1-5"), and steps ("*/5", "0-30/10").
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d: %w", expr, len(fields), task.ErrInvalidSpec)
	}
	s := &Schedule{}
	specs := []struct {
		dst      *map[int]struct{}
		name     string
		min, max int
	}{
		{&s.minutes, "minute", 0, 59},
		{&s.hours, "hour", 0, 23},
		{&s.days, "day", 1, 31},
		{&s.months, "month", 1, 12},
		{&s.weekdays, "weekday", 0, 6},
	}
	for i, sp := range specs {
		set, err := parseField(fields[i], sp.min, sp.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q %s field: %w", expr, sp.name, err)
		}
		*sp.dst = set
	}
	return s, nil
}

// MustParse is Parse for compile-time-constant expressions.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether t (truncated to its minute) satisfies the
// schedule.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	if _, ok := s.minutes[t.Minute()]; !ok {
		return false
	}
	if _, ok := s.hours[t.Hour()]; !ok {
		return false
	}
	if _, ok := s.days[t.Day()]; !ok {
		return false
	}
	if _, ok := s.months[int(t.Month())]; !ok {
		return false
	}
	_, ok := s.weekdays[int(t.Weekday())]
	return ok
}

// Next returns the first matching instant strictly after from. The scan
// is bounded at just over a year; beyond that the zero time is returned.
func (s *Schedule) Next(from time.Time) time.Time {
	c := from.UTC().Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 366*24*60; i++ {
		if s.Matches(c) {
			return c
		}
		c = c.Add(time.Minute)
	}
	return time.Time{}
}

func parseField(field string, min, max int) (map[int]struct{}, error) {
	set := make(map[int]struct{})

	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step %q: %w", part, task.ErrInvalidSpec)
			}
			step = n
			part = part[:idx]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = strconv.Atoi(bounds[0]); err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, task.ErrInvalidSpec)
			}
			if hi, err = strconv.Atoi(bounds[1]); err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, task.ErrInvalidSpec)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad value %q: %w", part, task.ErrInvalidSpec)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("%q out of range [%d,%d]: %w", part, min, max, task.ErrInvalidSpec)
		}
		for v := lo; v <= hi; v += step {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field: %w", task.ErrInvalidSpec)
	}
	return set, nil
}
