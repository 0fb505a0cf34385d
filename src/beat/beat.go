// Package beat emits the periodic seed jobs that drive the pipeline:
// the due-task scan every minute plus the maintenance and sync crons.
package beat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/task"
)

// Entry is one cron-driven seed job.
type Entry struct {
	Name     string `yaml:"name"`
	Expr     string `yaml:"cron"`
	Queue    string `yaml:"queue"`
	Priority int    `yaml:"priority"`
}

// DefaultEntries returns the standard schedule (all crons in UTC).
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "process_due_ai_tasks", Expr: "* * * * *", Queue: broker.QueueAITasks, Priority: 10},
		{Name: "process_email_queue", Expr: "* * * * *", Queue: broker.QueueEmailTasks, Priority: 5},
		{Name: "sync_calendar_events", Expr: "0 * * * *", Queue: broker.QueueSyncTasks, Priority: 7},
		{Name: "sync_notion_pages", Expr: "0 */2 * * *", Queue: broker.QueueSyncTasks, Priority: 7},
		{Name: "cleanup_old_logs", Expr: "0 2 * * *", Queue: broker.QueueMaintenance, Priority: 1},
		{Name: "cleanup_temp_files", Expr: "30 2 * * *", Queue: broker.QueueMaintenance, Priority: 1},
		{Name: "optimize_database", Expr: "0 3 * * 0", Queue: broker.QueueMaintenance, Priority: 1},
		{Name: "cleanup_old_sessions", Expr: "0 4 * * *", Queue: broker.QueueMaintenance, Priority: 1},
	}
}

// TickStore persists the last emitted tick per entry so restarts do not
// drop a scheduled minute.
type TickStore interface {
	SaveBeatTick(ctx context.Context, entry string, tick time.Time) error
	LoadBeatTick(ctx context.Context, entry string) (time.Time, error)
}

// driftWindow is how far past a scheduled minute an emission still
// counts as on time.
const driftWindow = 5 * time.Second

type entryState struct {
	Entry
	schedule *Schedule
	next     time.Time
}

// Beat is the single-instance timer. Run one per deployment.
type Beat struct {
	broker  broker.Broker
	store   TickStore
	logger  *slog.Logger
	entries []*entryState

	// Resolution is the tick polling interval. Zero means one second.
	Resolution time.Duration
	// OnQueueFull observes back-pressure from a full target queue.
	OnQueueFull func(entry string)

	now func() time.Time

	mu      sync.Mutex
	paused  bool
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a beat over the given entries. store may be nil; the beat
// then runs without restart catch-up.
func New(b broker.Broker, store TickStore, entries []Entry, logger *slog.Logger) (*Beat, error) {
	bt := &Beat{
		broker: b,
		store:  store,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, e := range entries {
		sched, err := Parse(e.Expr)
		if err != nil {
			return nil, err
		}
		bt.entries = append(bt.entries, &entryState{Entry: e, schedule: sched})
	}
	return bt, nil
}

// Start seeds catch-up emissions and launches the tick loop.
func (b *Beat) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.catchUp(ctx)

	now := b.now()
	for _, e := range b.entries {
		e.next = e.schedule.Next(now)
	}
	b.logger.Info("beat starting", "entries", len(b.entries))

	res := b.Resolution
	if res <= 0 {
		res = time.Second
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(res)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
				b.tick(ctx, b.now())
			}
		}
	}()
}

// Stop halts emission.
func (b *Beat) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()
	b.logger.Info("beat stopped")
}

// Pause suspends emission until Resume; ticks during a pause are
// skipped, not queued.
func (b *Beat) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume re-enables emission.
func (b *Beat) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

// tick fires every entry whose scheduled minute has arrived.
func (b *Beat) tick(ctx context.Context, now time.Time) {
	b.mu.Lock()
	paused := b.paused
	b.mu.Unlock()

	for _, e := range b.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		fireAt := e.next
		e.next = e.schedule.Next(now)
		if paused {
			b.logger.Warn("beat paused, skipping emission", "entry", e.Name)
			continue
		}
		b.emit(ctx, e, fireAt)
	}
}

// catchUp emits at most one seed per entry whose scheduled minute was
// missed while the process was down.
func (b *Beat) catchUp(ctx context.Context) {
	if b.store == nil {
		return
	}
	now := b.now()
	for _, e := range b.entries {
		last, err := b.store.LoadBeatTick(ctx, e.Name)
		if err != nil {
			b.logger.Warn("beat tick load failed", "entry", e.Name, "error", err)
			continue
		}
		if last.IsZero() {
			// First run on this deployment, nothing to catch up.
			continue
		}
		missed := e.schedule.Next(last)
		if missed.IsZero() || missed.After(now.Add(driftWindow)) {
			continue
		}
		b.logger.Info("catching up missed beat",
			"entry", e.Name, "scheduled", missed, "last_tick", last)
		b.emit(ctx, e, missed)
	}
}

func (b *Beat) emit(ctx context.Context, e *entryState, fireAt time.Time) {
	err := b.broker.Enqueue(ctx, &broker.Job{
		Queue:    e.Queue,
		Name:     e.Name,
		Priority: e.Priority,
	})
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			b.logger.Warn("queue full, beat emission dropped",
				"entry", e.Name, "queue", e.Queue)
			if b.OnQueueFull != nil {
				b.OnQueueFull(e.Name)
			}
			return
		}
		b.logger.Error("beat emission failed", "entry", e.Name, "error", err)
		return
	}
	if b.store != nil {
		if err := b.store.SaveBeatTick(ctx, e.Name, fireAt); err != nil {
			b.logger.Warn("beat tick save failed", "entry", e.Name, "error", err)
		}
	}
}
