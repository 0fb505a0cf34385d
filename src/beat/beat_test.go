package beat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseField(t *testing.T) {
	tests := []struct {
		field    string
		min, max int
		want     []int
		wantErr  bool
	}{
		{"*", 0, 3, []int{0, 1, 2, 3}, false},
		{"5", 0, 59, []int{5}, false},
		{"1,15,30", 0, 59, []int{1, 15, 30}, false},
		{"1-4", 0, 59, []int{1, 2, 3, 4}, false},
		{"*/20", 0, 59, []int{0, 20, 40}, false},
		{"10-20/5", 0, 59, []int{10, 15, 20}, false},
		{"60", 0, 59, nil, true},
		{"a", 0, 59, nil, true},
		{"5-2", 0, 59, nil, true},
		{"*/0", 0, 59, nil, true},
	}
	for _, tt := range tests {
		set, err := parseField(tt.field, tt.min, tt.max)
		if tt.wantErr {
			if !errors.Is(err, task.ErrInvalidSpec) {
				t.Errorf("parseField(%q) error = %v, want invalid spec", tt.field, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseField(%q): %v", tt.field, err)
			continue
		}
		if len(set) != len(tt.want) {
			t.Errorf("parseField(%q) = %v values, want %v", tt.field, len(set), tt.want)
			continue
		}
		for _, v := range tt.want {
			if _, ok := set[v]; !ok {
				t.Errorf("parseField(%q) missing %d", tt.field, v)
			}
		}
	}
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "* * * * * *"} {
		if _, err := Parse(expr); !errors.Is(err, task.ErrInvalidSpec) {
			t.Errorf("Parse(%q) error = %v, want invalid spec", expr, err)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	// 2025-01-01 is a Wednesday.
	base := time.Date(2025, 1, 1, 10, 30, 45, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2025, 1, 1, 10, 31, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"0 2 * * *", time.Date(2025, 1, 2, 2, 0, 0, 0, time.UTC)},
		{"0 */2 * * *", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		// Weekday 0 is Sunday; the next Sunday is 2025-01-05.
		{"0 3 * * 0", time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC)},
		{"30 2 * * *", time.Date(2025, 1, 2, 2, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := MustParse(tt.expr).Next(base)
		if !got.Equal(tt.want) {
			t.Errorf("Next(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestScheduleNextIsStrictlyAfter(t *testing.T) {
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	got := MustParse("0 9 * * *").Next(at)
	want := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next at the matching minute = %v, want %v", got, want)
	}
}

type fakeTicks struct {
	mu    sync.Mutex
	ticks map[string]time.Time
}

func newFakeTicks() *fakeTicks {
	return &fakeTicks{ticks: make(map[string]time.Time)}
}

func (f *fakeTicks) SaveBeatTick(ctx context.Context, entry string, tick time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[entry] = tick
	return nil
}

func (f *fakeTicks) LoadBeatTick(ctx context.Context, entry string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks[entry], nil
}

func drain(t *testing.T, b *broker.MemoryBroker, queue string) []*broker.Job {
	t.Helper()
	var jobs []*broker.Job
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		job, err := b.Dequeue(ctx, queue, "test", 10*time.Millisecond)
		cancel()
		if err != nil || job == nil {
			return jobs
		}
		b.Ack(context.Background(), job.ID)
		jobs = append(jobs, job)
	}
}

func TestTickEmitsDueEntries(t *testing.T) {
	mb := broker.NewMemoryBroker(broker.DefaultOptions())
	bt, err := New(mb, newFakeTicks(), []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
		{Name: "cleanup_old_logs", Expr: "0 2 * * *", Queue: broker.QueueMaintenance, Priority: 1},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}

	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	for _, e := range bt.entries {
		e.next = e.schedule.Next(now.Add(-time.Minute))
	}
	bt.tick(context.Background(), now)

	jobs := drain(t, mb, broker.QueueAITasks)
	if len(jobs) != 1 || jobs[0].Name != "process_due_ai_tasks" {
		t.Fatalf("ai_tasks jobs = %+v, want one process_due_ai_tasks", jobs)
	}
	if jobs[0].Priority != 10 {
		t.Errorf("priority = %d, want 10", jobs[0].Priority)
	}
	if got := drain(t, mb, broker.QueueMaintenance); len(got) != 0 {
		t.Errorf("maintenance jobs = %d, want 0 at 10:30", len(got))
	}
}

func TestTickPersistsLastTick(t *testing.T) {
	mb := broker.NewMemoryBroker(broker.DefaultOptions())
	ticks := newFakeTicks()
	bt, err := New(mb, ticks, []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}

	fireAt := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	bt.entries[0].next = fireAt
	bt.tick(context.Background(), fireAt.Add(2*time.Second))

	got, _ := ticks.LoadBeatTick(context.Background(), "process_due_ai_tasks")
	if !got.Equal(fireAt) {
		t.Errorf("persisted tick = %v, want %v", got, fireAt)
	}
}

func TestCatchUpEmitsOneMissedSeed(t *testing.T) {
	mb := broker.NewMemoryBroker(broker.DefaultOptions())
	ticks := newFakeTicks()
	// Last tick three minutes before "now": several minutes were
	// missed, but catch-up seeds at most once.
	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	ticks.SaveBeatTick(context.Background(), "process_due_ai_tasks", now.Add(-3*time.Minute))

	bt, err := New(mb, ticks, []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}
	bt.now = func() time.Time { return now }
	bt.catchUp(context.Background())

	jobs := drain(t, mb, broker.QueueAITasks)
	if len(jobs) != 1 {
		t.Fatalf("catch-up jobs = %d, want exactly 1", len(jobs))
	}
}

func TestCatchUpSkipsFreshEntry(t *testing.T) {
	mb := broker.NewMemoryBroker(broker.DefaultOptions())
	ticks := newFakeTicks()
	// A daily 02:00 entry whose scheduled minute has not passed since
	// the last tick must not fire.
	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	ticks.SaveBeatTick(context.Background(), "cleanup_old_logs", now.Add(-time.Minute))

	bt, err := New(mb, ticks, []Entry{
		{Name: "cleanup_old_logs", Expr: "0 2 * * *", Queue: broker.QueueMaintenance, Priority: 1},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}
	bt.now = func() time.Time { return now }
	bt.catchUp(context.Background())

	if jobs := drain(t, mb, broker.QueueMaintenance); len(jobs) != 0 {
		t.Errorf("catch-up jobs = %d, want 0", len(jobs))
	}
}

func TestQueueFullInvokesHook(t *testing.T) {
	opts := broker.DefaultOptions()
	opts.BlockLength = 1
	mb := broker.NewMemoryBroker(opts)
	if err := mb.Enqueue(context.Background(), &broker.Job{
		Queue: broker.QueueAITasks, Name: "filler",
	}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	bt, err := New(mb, nil, []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}
	var throttled string
	bt.OnQueueFull = func(entry string) { throttled = entry }

	now := time.Now().UTC().Truncate(time.Minute)
	bt.entries[0].next = now
	bt.tick(context.Background(), now)

	if throttled != "process_due_ai_tasks" {
		t.Errorf("throttle hook got %q", throttled)
	}
}

func TestPauseSkipsEmission(t *testing.T) {
	mb := broker.NewMemoryBroker(broker.DefaultOptions())
	bt, err := New(mb, nil, []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
	}, testLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}
	bt.Pause()
	now := time.Now().UTC().Truncate(time.Minute)
	bt.entries[0].next = now
	bt.tick(context.Background(), now)

	if jobs := drain(t, mb, broker.QueueAITasks); len(jobs) != 0 {
		t.Errorf("paused beat emitted %d jobs", len(jobs))
	}

	bt.Resume()
	bt.entries[0].next = now
	bt.tick(context.Background(), now)
	if jobs := drain(t, mb, broker.QueueAITasks); len(jobs) != 1 {
		t.Errorf("resumed beat emitted %d jobs, want 1", len(jobs))
	}
}

func TestDefaultEntriesParse(t *testing.T) {
	entries := DefaultEntries()
	if len(entries) != 8 {
		t.Fatalf("default entries = %d, want 8", len(entries))
	}
	for _, e := range entries {
		if _, err := Parse(e.Expr); err != nil {
			t.Errorf("entry %s: %v", e.Name, err)
		}
		if e.Queue == "" || e.Priority <= 0 {
			t.Errorf("entry %s missing queue or priority", e.Name)
		}
	}
}
