// Package broker provides named, priority-aware FIFO job queues with
// at-least-once delivery. The Redis backend is the production transport;
// the memory backend serves tests and single-node deployments.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known queue names. These are wire format and must not change.
const (
	QueueAITasks     = "ai_tasks"
	QueueSyncTasks   = "sync_tasks"
	QueueEmailTasks  = "email_tasks"
	QueueFileTasks   = "file_tasks"
	QueueMaintenance = "maintenance_tasks"
)

// QueueInfo describes a named queue and its default priority.
type QueueInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// DefaultQueues returns the standard queue set in priority order.
func DefaultQueues() []QueueInfo {
	return []QueueInfo{
		{QueueAITasks, 10},
		{QueueSyncTasks, 7},
		{QueueEmailTasks, 5},
		{QueueFileTasks, 3},
		{QueueMaintenance, 1},
	}
}

// Job is the unit of transport: a task name plus an opaque payload.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	ETA        time.Time       `json:"eta,omitempty"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJobID returns a sortable job id.
func NewJobID() string {
	return "job_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Options tune queue behavior.
type Options struct {
	// VisibilityTimeout is how long a dequeued job stays reserved before
	// it is redelivered without an ack.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// WarningLength is the depth at which backlog alerts fire.
	WarningLength int `yaml:"warning_length"`
	// BlockLength is the depth at which producers receive ErrQueueFull.
	BlockLength int `yaml:"block_length"`
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 90 * time.Second,
		WarningLength:     100,
		BlockLength:       10000,
	}
}

// Broker is the queue transport contract. Dequeue blocks up to wait for
// a job and returns nil when none arrived; every blocking call honors
// ctx cancellation.
type Broker interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queue, workerID string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, requeue bool) error
	Len(ctx context.Context, queue string) (int, error)
	QueueLengths(ctx context.Context) (map[string]int, error)
	Queues() []QueueInfo
	Ping(ctx context.Context) error
	Close() error
}
