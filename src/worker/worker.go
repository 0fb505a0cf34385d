// Package worker hosts the concurrent execution slots that drain the
// broker queues and drive task executions end to end.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apimgr/assistant/src/broker"
)

// Config shapes one worker pool.
type Config struct {
	Queues           []string      `yaml:"queues"`
	Concurrency      int           `yaml:"concurrency"`
	MaxTasksPerChild int           `yaml:"max_tasks_per_child"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	// SoftTimeout is the grace between cancelling a runner and
	// abandoning it.
	SoftTimeout     time.Duration `yaml:"soft_timeout"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
}

// DefaultConfig returns the standard worker shape.
func DefaultConfig() Config {
	return Config{
		Queues:           []string{broker.QueueAITasks, broker.QueueSyncTasks, broker.QueueEmailTasks, broker.QueueFileTasks, broker.QueueMaintenance},
		Concurrency:      4,
		MaxTasksPerChild: 1000,
		TaskTimeout:      5 * time.Minute,
		SoftTimeout:      5 * time.Second,
		GracefulTimeout:  30 * time.Second,
		PollTimeout:      time.Second,
	}
}

// Handler processes one dequeued job. Returning nil acks the job; an
// error nacks it back onto its queue.
type Handler func(ctx context.Context, job *broker.Job) error

// Worker runs Concurrency slots over the configured queues.
type Worker struct {
	ID       string
	cfg      Config
	broker   broker.Broker
	handlers map[string]Handler
	logger   *slog.Logger

	mu       sync.Mutex
	inflight int
	panics   []time.Time
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a worker pool. Handlers are looked up by job name.
func New(cfg Config, b broker.Broker, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 5 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	id := "worker_" + uuid.NewString()[:8]
	return &Worker{
		ID:       id,
		cfg:      cfg,
		broker:   b,
		handlers: make(map[string]Handler),
		logger:   logger.With("worker_id", id),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a job name.
func (w *Worker) Register(jobName string, h Handler) {
	w.handlers[jobName] = h
}

// InFlight reports how many jobs are currently executing.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// Start launches the slots. It returns immediately; Stop or context
// cancellation ends the pool.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker starting",
		"queues", w.cfg.Queues,
		"concurrency", w.cfg.Concurrency)
	for slot := 0; slot < w.cfg.Concurrency; slot++ {
		w.wg.Add(1)
		go w.runSlot(ctx, slot)
	}
}

// Stop ceases dequeuing and waits up to graceful_timeout for in-flight
// jobs. Jobs still running after that are left for visibility-timeout
// redelivery.
func (w *Worker) Stop() {
	close(w.done)
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		w.logger.Info("worker stopped cleanly")
	case <-time.After(w.cfg.GracefulTimeout):
		w.logger.Warn("graceful timeout expired, abandoning in-flight jobs",
			"in_flight", w.InFlight())
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// runSlot is one sequential execution slot. A slot exits after
// MaxTasksPerChild jobs or after panicking too often (5 times within a
// minute); either way the pool starts a fresh slot in its place.
func (w *Worker) runSlot(ctx context.Context, slot int) {
	defer w.wg.Done()
	completed := 0
	queueIdx := 0
	for {
		if ctx.Err() != nil || w.stopping() {
			return
		}
		if w.cfg.MaxTasksPerChild > 0 && completed >= w.cfg.MaxTasksPerChild {
			w.logger.Info("max tasks per child reached, recycling slot",
				"slot", slot, "completed", completed)
			w.respawn(ctx, slot)
			return
		}

		// Round-robin across queues; Dequeue itself respects priority
		// within a queue.
		queue := w.cfg.Queues[queueIdx%len(w.cfg.Queues)]
		queueIdx++

		job, err := w.broker.Dequeue(ctx, queue, w.ID, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "queue", queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		keepGoing := w.runJob(ctx, slot, job)
		completed++
		if !keepGoing {
			w.respawn(ctx, slot)
			return
		}
	}
}

// respawn replaces an exiting slot unless the pool is shutting down.
// The wg.Add happens before the dying slot's Done, so Stop never sees
// the pool momentarily empty.
func (w *Worker) respawn(ctx context.Context, slot int) {
	if ctx.Err() != nil || w.stopping() {
		return
	}
	w.logger.Info("respawning slot", "slot", slot)
	w.wg.Add(1)
	go w.runSlot(ctx, slot)
}

// runJob executes one job with panic isolation. It reports false when
// the slot should be recycled due to repeated panics.
func (w *Worker) runJob(ctx context.Context, slot int, job *broker.Job) (keepGoing bool) {
	w.mu.Lock()
	w.inflight++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inflight--
		w.mu.Unlock()
	}()

	keepGoing = true
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic",
				"slot", slot, "job", job.Name, "job_id", job.ID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			w.broker.Nack(context.WithoutCancel(ctx), job.ID, true)
			if w.recordPanic() {
				w.logger.Error("slot exceeded panic threshold, recycling", "slot", slot)
				keepGoing = false
			}
		}
	}()

	handler, ok := w.handlers[job.Name]
	if !ok {
		w.logger.Warn("no handler for job, dropping", "job", job.Name, "job_id", job.ID)
		w.broker.Ack(ctx, job.ID)
		return true
	}

	if err := handler(ctx, job); err != nil {
		w.logger.Error("job failed",
			"job", job.Name, "job_id", job.ID, "retry_count", job.RetryCount, "error", err)
		w.broker.Nack(context.WithoutCancel(ctx), job.ID, true)
		return true
	}
	if err := w.broker.Ack(context.WithoutCancel(ctx), job.ID); err != nil {
		w.logger.Warn("ack failed", "job_id", job.ID, "error", err)
	}
	return true
}

// recordPanic notes a panic instant and reports whether the slot
// crossed 5 panics inside one minute.
func (w *Worker) recordPanic() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	keep := w.panics[:0]
	for _, t := range w.panics {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.panics = append(keep, now)
	return len(w.panics) >= 5
}
