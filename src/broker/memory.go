package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// MemoryBroker is an in-process Broker with the same delivery semantics
// as the Redis backend. It is used by tests and single-node deployments.
type MemoryBroker struct {
	mu       sync.Mutex
	opts     Options
	queues   map[string]*jobHeap
	info     []QueueInfo
	reserved map[string]*reservation
	seq      uint64
	closed   bool
}

type reservation struct {
	job      *Job
	deadline time.Time
	workerID string
}

type heapItem struct {
	job *Job
	seq uint64
}

// jobHeap orders by ETA readiness first, then priority desc, then FIFO.
type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewMemoryBroker creates a memory broker with the default queue set.
func NewMemoryBroker(opts Options) *MemoryBroker {
	b := &MemoryBroker{
		opts:     opts,
		queues:   make(map[string]*jobHeap),
		info:     DefaultQueues(),
		reserved: make(map[string]*reservation),
	}
	for _, q := range b.info {
		h := make(jobHeap, 0)
		b.queues[q.Name] = &h
	}
	return b
}

// Enqueue adds a job to its queue, honoring the block length.
func (b *MemoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.queues[job.Queue]
	if !ok {
		return fmt.Errorf("queue %q: %w", job.Queue, task.ErrNoSuchQueue)
	}
	if b.opts.BlockLength > 0 && h.Len() >= b.opts.BlockLength {
		return fmt.Errorf("queue %q at %d: %w", job.Queue, h.Len(), task.ErrQueueFull)
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	b.seq++
	heap.Push(h, &heapItem{job: job, seq: b.seq})
	return nil
}

// Dequeue pops the highest-priority ready job, reserving it until Ack,
// Nack or visibility expiry. It polls until wait elapses.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue, workerID string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		job, err := b.tryDequeue(queue, workerID)
		if err != nil || job != nil {
			return job, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) tryDequeue(queue, workerID string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queue, task.ErrNoSuchQueue)
	}
	b.reapLocked()

	now := time.Now()
	// Skip jobs whose ETA has not arrived; they stay queued.
	var deferred []*heapItem
	defer func() {
		for _, item := range deferred {
			heap.Push(h, item)
		}
	}()
	for h.Len() > 0 {
		item := heap.Pop(h).(*heapItem)
		if !item.job.ETA.IsZero() && item.job.ETA.After(now) {
			deferred = append(deferred, item)
			continue
		}
		b.reserved[item.job.ID] = &reservation{
			job:      item.job,
			deadline: now.Add(b.opts.VisibilityTimeout),
			workerID: workerID,
		}
		return item.job, nil
	}
	return nil, nil
}

// reapLocked requeues reservations past their visibility deadline.
func (b *MemoryBroker) reapLocked() {
	now := time.Now()
	for id, res := range b.reserved {
		if now.After(res.deadline) {
			delete(b.reserved, id)
			res.job.RetryCount++
			if h, ok := b.queues[res.job.Queue]; ok {
				b.seq++
				heap.Push(h, &heapItem{job: res.job, seq: b.seq})
			}
		}
	}
}

// Ack removes a reserved job permanently.
func (b *MemoryBroker) Ack(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reserved[jobID]; !ok {
		return fmt.Errorf("job %q: %w", jobID, task.ErrNotFound)
	}
	delete(b.reserved, jobID)
	return nil
}

// Nack releases a reserved job, optionally back onto its queue.
func (b *MemoryBroker) Nack(ctx context.Context, jobID string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.reserved[jobID]
	if !ok {
		return fmt.Errorf("job %q: %w", jobID, task.ErrNotFound)
	}
	delete(b.reserved, jobID)
	if requeue {
		res.job.RetryCount++
		if h, ok := b.queues[res.job.Queue]; ok {
			b.seq++
			heap.Push(h, &heapItem{job: res.job, seq: b.seq})
		}
	}
	return nil
}

// Len returns the visible depth of a queue.
func (b *MemoryBroker) Len(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("queue %q: %w", queue, task.ErrNoSuchQueue)
	}
	b.reapLocked()
	return h.Len(), nil
}

// QueueLengths samples every queue's visible depth.
func (b *MemoryBroker) QueueLengths(ctx context.Context) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reapLocked()
	lengths := make(map[string]int, len(b.queues))
	for name, h := range b.queues {
		lengths[name] = h.Len()
	}
	return lengths, nil
}

// Queues lists the configured queues.
func (b *MemoryBroker) Queues() []QueueInfo {
	return b.info
}

// Ping always succeeds for the in-process broker.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing; it exists to satisfy the Broker contract.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
