package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apimgr/assistant/src/broker"
	"github.com/apimgr/assistant/src/depgraph"
	"github.com/apimgr/assistant/src/metrics"
	"github.com/apimgr/assistant/src/notify"
	"github.com/apimgr/assistant/src/runner"
	"github.com/apimgr/assistant/src/store"
	"github.com/apimgr/assistant/src/task"
)

// Job names carried on the wire.
const (
	JobProcessDueTasks = "process_due_ai_tasks"
	JobExecuteTask     = "execute_task"
)

// claimBatchSize bounds one due-task expansion pass.
const claimBatchSize = 100

// TaskStore is the slice of the store the pipeline needs.
type TaskStore interface {
	ClaimDueTasks(ctx context.Context, limit int) ([]*task.Task, error)
	ReclaimStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
	Get(ctx context.Context, id int64) (*task.Task, error)
	UpdateAfterRun(ctx context.Context, id int64, up store.RunUpdate) error
}

// Notifier dispatches task results to user channels.
type Notifier interface {
	Dispatch(ctx context.Context, names []string, n *notify.Notification) ([]notify.Outcome, error)
}

// Pipeline wires the execute_task flow: claim, readiness, run, notify,
// reschedule, record.
type Pipeline struct {
	Store       TaskStore
	Broker      broker.Broker
	Runner      runner.TaskRunner
	Notifier    Notifier
	Deps        *depgraph.Scheduler
	Metrics     *metrics.Collector
	Retry       RetryPolicy
	Logger      *slog.Logger
	WorkerID    string
	TaskTimeout time.Duration
	SoftTimeout time.Duration
	// OnFailure observes terminal task failures (alerting hook).
	OnFailure func(t *task.Task, errMsg string)
}

type executePayload struct {
	TaskID int64 `json:"task_id"`
}

// RegisterAll binds the pipeline's handlers onto a worker.
func (p *Pipeline) RegisterAll(w *Worker) {
	w.Register(JobProcessDueTasks, p.HandleProcessDueTasks)
	w.Register(JobExecuteTask, p.HandleExecuteTask)
	p.WorkerID = w.ID
}

// HandleProcessDueTasks claims due tasks and expands each into an
// individually ack-able execute_task job. Each pass first recovers
// claims orphaned by a worker crash: a row held in processing beyond
// the whole retry window has no live owner, so it goes back to active.
func (p *Pipeline) HandleProcessDueTasks(ctx context.Context, job *broker.Job) error {
	if n, err := p.Store.ReclaimStaleProcessing(ctx, p.staleClaimAge()); err != nil {
		p.Logger.Warn("stale claim reclaim failed", "error", err)
	} else if n > 0 {
		p.Logger.Warn("reclaimed orphaned processing tasks", "count", n)
	}

	claimed, err := p.Store.ClaimDueTasks(ctx, claimBatchSize)
	if err != nil {
		return fmt.Errorf("claim due tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	p.Logger.Info("claimed due tasks", "count", len(claimed))

	for _, t := range claimed {
		payload, err := json.Marshal(executePayload{TaskID: t.ID})
		if err != nil {
			return fmt.Errorf("encode payload for task %d: %w", t.ID, err)
		}
		enqErr := p.Broker.Enqueue(ctx, &broker.Job{
			Queue:    broker.QueueAITasks,
			Name:     JobExecuteTask,
			Payload:  payload,
			Priority: 10,
		})
		if enqErr != nil {
			// Return the claim so another pass can retry it.
			p.Logger.Error("enqueue failed, releasing claim",
				"task_id", t.ID, "error", enqErr)
			if relErr := p.Store.UpdateAfterRun(ctx, t.ID, store.RunUpdate{
				Status:    task.StatusActive,
				NextRunAt: t.NextRunAt,
				LastRunAt: t.LastRunAt,
			}); relErr != nil {
				p.Logger.Error("release claim failed", "task_id", t.ID, "error", relErr)
			}
			if errors.Is(enqErr, task.ErrQueueFull) {
				return enqErr
			}
		}
	}
	return nil
}

// HandleExecuteTask runs one claimed task to completion, failure or
// retry. A nil return acks the job; the pipeline handles its own
// retries via delayed re-enqueue.
func (p *Pipeline) HandleExecuteTask(ctx context.Context, job *broker.Job) error {
	var payload executePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.Logger.Error("malformed execute payload, dropping", "job_id", job.ID, "error", err)
		return nil
	}

	t, err := p.Store.Get(ctx, payload.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		p.Logger.Warn("task vanished before execution", "task_id", payload.TaskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %d: %w", payload.TaskID, err)
	}
	if t.Status != task.StatusProcessing {
		// Claim was released or the task was touched externally.
		p.Logger.Warn("task no longer claimed, dropping job",
			"task_id", t.ID, "status", t.Status)
		return nil
	}

	if p.Deps != nil && !p.Deps.CanExecute(t.ID) {
		return p.deferOrFail(ctx, job, t, "dependencies not satisfied")
	}

	if p.Metrics != nil {
		wait := time.Since(job.EnqueuedAt)
		p.Metrics.Start(t.ID, taskMetricName(t), metrics.TaskRecord{
			Queue:     job.Queue,
			WorkerID:  p.WorkerID,
			Priority:  job.Priority,
			QueueWait: wait,
		})
	}
	if p.Deps != nil {
		p.Deps.RecordStart(t.ID)
	}

	res, runErr := p.runWithTimeout(ctx, t)
	if runErr == nil && res != nil && res.Success {
		return p.finishSuccess(ctx, t, res)
	}

	errMsg := describeFailure(res, runErr)
	return p.retryOrFail(ctx, job, t, errMsg)
}

// runWithTimeout enforces the task deadline. On expiry the runner's
// context is cancelled; after soft_timeout of grace it is abandoned and
// the attempt reports TimedOut.
func (p *Pipeline) runWithTimeout(ctx context.Context, t *task.Task) (*runner.ExecutionResult, error) {
	timeout := p.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	grace := p.SoftTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *runner.ExecutionResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := p.Runner.Execute(runCtx, t)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("task %d exceeded %s: %w", t.ID, timeout, task.ErrTimedOut)
		}
		return out.res, out.err
	case <-runCtx.Done():
		cancel()
		select {
		case out := <-ch:
			if out.err != nil {
				return nil, fmt.Errorf("task %d exceeded %s: %w", t.ID, timeout, task.ErrTimedOut)
			}
			return out.res, nil
		case <-time.After(grace):
			p.Logger.Error("runner did not stop within grace, abandoning",
				"task_id", t.ID, "grace", grace)
			return nil, fmt.Errorf("task %d exceeded %s: %w", t.ID, timeout, task.ErrTimedOut)
		}
	}
}

func (p *Pipeline) finishSuccess(ctx context.Context, t *task.Task, res *runner.ExecutionResult) error {
	now := time.Now().UTC()

	if p.Notifier != nil && len(t.NotificationChannels) > 0 {
		msg := res.Output
		if msg == "" {
			msg = t.Title
		}
		if _, err := p.Notifier.Dispatch(ctx, t.NotificationChannels, &notify.Notification{
			UserID:  t.UserID,
			TaskID:  t.ID,
			Title:   t.Title,
			Message: msg,
		}); err != nil {
			// Delivery failure does not fail the run; the task did its work.
			p.Logger.Warn("result notification failed", "task_id", t.ID, "error", err)
		}
	}

	up := store.RunUpdate{Status: task.StatusCompleted, LastRunAt: &now}
	if t.ScheduleType.Recurring() {
		next, err := task.NextRun(t.ScheduleType, t.ScheduleConfig, now)
		if err != nil {
			p.Logger.Error("next run computation failed, completing task",
				"task_id", t.ID, "error", err)
		} else if next != nil {
			up.Status = task.StatusActive
			up.NextRunAt = next
		}
	}
	if err := p.Store.UpdateAfterRun(ctx, t.ID, up); err != nil {
		return fmt.Errorf("record run for task %d: %w", t.ID, err)
	}

	if p.Deps != nil {
		p.Deps.RecordResult(t.ID, true, res.Output)
	}
	if p.Metrics != nil {
		p.Metrics.End(t.ID, "completed", "", 0, 0)
	}
	p.Logger.Info("task completed",
		"task_id", t.ID, "duration", res.Duration, "next_status", up.Status)
	return nil
}

// deferOrFail handles a not-yet-ready task: delayed re-enqueue within
// the retry budget, terminal failure beyond it.
func (p *Pipeline) deferOrFail(ctx context.Context, job *broker.Job, t *task.Task, reason string) error {
	if p.Retry.Exhausted(job.RetryCount) {
		return p.failTask(ctx, t, reason)
	}
	return p.requeue(ctx, job, t, reason)
}

func (p *Pipeline) retryOrFail(ctx context.Context, job *broker.Job, t *task.Task, errMsg string) error {
	if p.Metrics != nil {
		p.Metrics.End(t.ID, "retrying", errMsg, 0, 0)
	}
	if p.Retry.Exhausted(job.RetryCount) {
		return p.failTask(ctx, t, errMsg)
	}
	return p.requeue(ctx, job, t, errMsg)
}

func (p *Pipeline) requeue(ctx context.Context, job *broker.Job, t *task.Task, reason string) error {
	delay := p.Retry.Delay(job.RetryCount)
	retry := &broker.Job{
		Queue:      job.Queue,
		Name:       job.Name,
		Payload:    job.Payload,
		Priority:   job.Priority,
		ETA:        time.Now().Add(delay),
		RetryCount: job.RetryCount + 1,
	}
	if err := p.Broker.Enqueue(ctx, retry); err != nil {
		return fmt.Errorf("schedule retry for task %d: %w", t.ID, err)
	}
	p.Logger.Warn("task attempt failed, retry scheduled",
		"task_id", t.ID, "retry", retry.RetryCount, "delay", delay, "reason", reason)
	return nil
}

// failTask marks a task terminally failed and reports it.
func (p *Pipeline) failTask(ctx context.Context, t *task.Task, errMsg string) error {
	now := time.Now().UTC()
	if err := p.Store.UpdateAfterRun(ctx, t.ID, store.RunUpdate{
		Status:    task.StatusFailed,
		LastRunAt: &now,
		Error:     errMsg,
	}); err != nil {
		return fmt.Errorf("mark task %d failed: %w", t.ID, err)
	}

	if p.Notifier != nil && len(t.NotificationChannels) > 0 {
		if _, err := p.Notifier.Dispatch(ctx, t.NotificationChannels, &notify.Notification{
			UserID:  t.UserID,
			TaskID:  t.ID,
			Title:   t.Title,
			Message: errMsg,
			Failed:  true,
		}); err != nil {
			p.Logger.Warn("failure notification failed", "task_id", t.ID, "error", err)
		}
	}

	if p.Deps != nil {
		p.Deps.RecordResult(t.ID, false, errMsg)
	}
	if p.Metrics != nil {
		p.Metrics.End(t.ID, "failed", errMsg, 0, 0)
	}
	if p.OnFailure != nil {
		p.OnFailure(t, errMsg)
	}
	p.Logger.Error("task failed permanently", "task_id", t.ID, "error", errMsg)
	return nil
}

// staleClaimAge is how long a live execution can legitimately hold a
// claim: every attempt's timeout plus the full retry backoff, with
// slack for queue wait.
func (p *Pipeline) staleClaimAge() time.Duration {
	timeout := p.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	age := timeout*time.Duration(p.Retry.Max+1) + p.Retry.MaxCumulativeDelay()
	if age < 10*time.Minute {
		age = 10 * time.Minute
	}
	return age
}

func describeFailure(res *runner.ExecutionResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil && res.Error != "" {
		return res.Error
	}
	return "execution reported failure"
}

func taskMetricName(t *task.Task) string {
	return string(t.TaskType)
}
