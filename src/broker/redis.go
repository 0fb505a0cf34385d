package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apimgr/assistant/src/task"
)

// RedisBroker is the production Broker backed by Redis/Valkey. Each
// queue is a pair of sorted sets: a ready set ordered by priority then
// arrival, and a delayed set ordered by ETA. Reservations live in one
// shared sorted set scored by visibility deadline, and payloads in a
// hash keyed by job id.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	info   []QueueInfo
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
	Prefix   string        `yaml:"prefix"`
}

// NewRedisBroker connects to the broker URL and verifies connectivity.
func NewRedisBroker(cfg *RedisConfig, opts Options) (*RedisBroker, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("broker: URL is required")
	}
	ropts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		ropts.PoolSize = cfg.PoolSize
	}
	if cfg.Timeout > 0 {
		ropts.DialTimeout = cfg.Timeout
		ropts.ReadTimeout = cfg.Timeout
		ropts.WriteTimeout = cfg.Timeout
	}
	client := redis.NewClient(ropts)

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "assistant:"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}

	return &RedisBroker{
		client: client,
		prefix: prefix,
		opts:   opts,
		info:   DefaultQueues(),
	}, nil
}

func (b *RedisBroker) readyKey(queue string) string   { return b.prefix + "q:" + queue + ":ready" }
func (b *RedisBroker) delayedKey(queue string) string { return b.prefix + "q:" + queue + ":delayed" }
func (b *RedisBroker) reservedKey() string            { return b.prefix + "reserved" }
func (b *RedisBroker) jobsKey() string                { return b.prefix + "jobs" }
func (b *RedisBroker) seqKey() string                 { return b.prefix + "seq" }

func (b *RedisBroker) knownQueue(queue string) bool {
	for _, q := range b.info {
		if q.Name == queue {
			return true
		}
	}
	return false
}

// readyScore orders ready members by priority (higher first) then FIFO.
func readyScore(priority int, seq int64) float64 {
	return float64(1000-priority)*1e12 + float64(seq)
}

// Enqueue stores the payload and places the job id on the ready or
// delayed set depending on its ETA.
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	if !b.knownQueue(job.Queue) {
		return fmt.Errorf("queue %q: %w", job.Queue, task.ErrNoSuchQueue)
	}
	if b.opts.BlockLength > 0 {
		depth, err := b.Len(ctx, job.Queue)
		if err != nil {
			return err
		}
		if depth >= b.opts.BlockLength {
			return fmt.Errorf("queue %q at %d: %w", job.Queue, depth, task.ErrQueueFull)
		}
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}
	if err := b.client.HSet(ctx, b.jobsKey(), job.ID, data).Err(); err != nil {
		return fmt.Errorf("broker: store job: %w", err)
	}

	if !job.ETA.IsZero() && job.ETA.After(time.Now()) {
		err = b.client.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ETA.UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		seq, seqErr := b.client.Incr(ctx, b.seqKey()).Result()
		if seqErr != nil {
			return fmt.Errorf("broker: sequence: %w", seqErr)
		}
		err = b.client.ZAdd(ctx, b.readyKey(job.Queue), redis.Z{
			Score:  readyScore(job.Priority, seq),
			Member: job.ID,
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed jobs, requeues expired reservations, then
// pops the best ready job and reserves it. It polls until wait elapses.
func (b *RedisBroker) Dequeue(ctx context.Context, queue, workerID string, wait time.Duration) (*Job, error) {
	if !b.knownQueue(queue) {
		return nil, fmt.Errorf("queue %q: %w", queue, task.ErrNoSuchQueue)
	}
	deadline := time.Now().Add(wait)
	for {
		if err := b.promoteDelayed(ctx, queue); err != nil {
			return nil, err
		}
		if err := b.reapReservations(ctx); err != nil {
			return nil, err
		}
		job, err := b.popReady(ctx, queue)
		if err != nil || job != nil {
			return job, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (b *RedisBroker) popReady(ctx context.Context, queue string) (*Job, error) {
	members, err := b.client.ZPopMin(ctx, b.readyKey(queue), 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker: pop: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	jobID, _ := members[0].Member.(string)

	data, err := b.client.HGet(ctx, b.jobsKey(), jobID).Bytes()
	if err == redis.Nil {
		// Payload vanished (acked elsewhere); treat as empty.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("broker: decode job: %w", err)
	}

	deadline := time.Now().Add(b.opts.VisibilityTimeout)
	if err := b.client.ZAdd(ctx, b.reservedKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("broker: reserve: %w", err)
	}
	return &job, nil
}

// promoteDelayed moves due members of the delayed set to the ready set.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queue string) error {
	now := time.Now().UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("broker: promote: %w", err)
	}
	for _, id := range ids {
		if err := b.client.ZRem(ctx, b.delayedKey(queue), id).Err(); err != nil {
			continue
		}
		job, err := b.loadJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		seq, _ := b.client.Incr(ctx, b.seqKey()).Result()
		b.client.ZAdd(ctx, b.readyKey(queue), redis.Z{
			Score:  readyScore(job.Priority, seq),
			Member: id,
		})
	}
	return nil
}

// reapReservations requeues jobs whose visibility deadline has passed,
// incrementing their retry count.
func (b *RedisBroker) reapReservations(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.reservedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("broker: reap: %w", err)
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.reservedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := b.loadJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		job.RetryCount++
		data, _ := json.Marshal(job)
		b.client.HSet(ctx, b.jobsKey(), id, data)
		seq, _ := b.client.Incr(ctx, b.seqKey()).Result()
		b.client.ZAdd(ctx, b.readyKey(job.Queue), redis.Z{
			Score:  readyScore(job.Priority, seq),
			Member: id,
		})
	}
	return nil
}

func (b *RedisBroker) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := b.client.HGet(ctx, b.jobsKey(), id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Ack removes a reserved job and its payload.
func (b *RedisBroker) Ack(ctx context.Context, jobID string) error {
	removed, err := b.client.ZRem(ctx, b.reservedKey(), jobID).Result()
	if err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("job %q: %w", jobID, task.ErrNotFound)
	}
	return b.client.HDel(ctx, b.jobsKey(), jobID).Err()
}

// Nack releases a reserved job, requeueing it when requested.
func (b *RedisBroker) Nack(ctx context.Context, jobID string, requeue bool) error {
	removed, err := b.client.ZRem(ctx, b.reservedKey(), jobID).Result()
	if err != nil {
		return fmt.Errorf("broker: nack: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("job %q: %w", jobID, task.ErrNotFound)
	}
	if !requeue {
		return b.client.HDel(ctx, b.jobsKey(), jobID).Err()
	}
	job, err := b.loadJob(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	job.RetryCount++
	data, _ := json.Marshal(job)
	b.client.HSet(ctx, b.jobsKey(), jobID, data)
	seq, _ := b.client.Incr(ctx, b.seqKey()).Result()
	return b.client.ZAdd(ctx, b.readyKey(job.Queue), redis.Z{
		Score:  readyScore(job.Priority, seq),
		Member: jobID,
	}).Err()
}

// Len returns the visible depth of a queue (ready plus delayed).
func (b *RedisBroker) Len(ctx context.Context, queue string) (int, error) {
	if !b.knownQueue(queue) {
		return 0, fmt.Errorf("queue %q: %w", queue, task.ErrNoSuchQueue)
	}
	ready, err := b.client.ZCard(ctx, b.readyKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, b.delayedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len: %w", err)
	}
	return int(ready + delayed), nil
}

// QueueLengths samples every queue's visible depth.
func (b *RedisBroker) QueueLengths(ctx context.Context) (map[string]int, error) {
	lengths := make(map[string]int, len(b.info))
	for _, q := range b.info {
		n, err := b.Len(ctx, q.Name)
		if err != nil {
			return nil, err
		}
		lengths[q.Name] = n
	}
	return lengths, nil
}

// Queues lists the configured queues.
func (b *RedisBroker) Queues() []QueueInfo {
	return b.info
}

// Ping checks broker connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client connection pool.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
