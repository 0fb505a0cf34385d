// Package metrics records per-task execution metrics and periodic
// system snapshots in bounded in-memory buffers, and exposes aggregates
// both programmatically and through a Prometheus registry.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultTaskCapacity     = 10000
	defaultSnapshotCapacity = 1000
	// durationsPerName bounds the per-task-name duration series.
	durationsPerName = 1000
)

// TaskRecord captures one task execution's lifecycle.
type TaskRecord struct {
	TaskID        int64         `json:"task_id"`
	TaskName      string        `json:"task_name"`
	Queue         string        `json:"queue"`
	WorkerID      string        `json:"worker_id"`
	Priority      int           `json:"priority"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Duration      time.Duration `json:"duration"`
	QueueWait     time.Duration `json:"queue_wait"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	CPUAtStart    float64       `json:"cpu_at_start"`
	CPUAtEnd      float64       `json:"cpu_at_end"`
	PeakCPU       float64       `json:"peak_cpu"`
	MemoryAtStart float64       `json:"memory_at_start"`
	MemoryAtEnd   float64       `json:"memory_at_end"`
	PeakMemory    float64       `json:"peak_memory"`
}

// SystemSnapshot is one sample of host-level resource usage.
type SystemSnapshot struct {
	Timestamp         time.Time      `json:"timestamp"`
	CPUPercent        float64        `json:"cpu_percent"`
	Load1             float64        `json:"load1"`
	MemoryPercent     float64        `json:"memory_percent"`
	MemoryAvailable   uint64         `json:"memory_available"`
	DiskUsagePercent  float64        `json:"disk_usage_percent"`
	NetworkBytesSent  uint64         `json:"network_bytes_sent"`
	NetworkBytesRecv  uint64         `json:"network_bytes_recv"`
	ActiveConnections int            `json:"active_connections"`
	WorkerCount       int            `json:"worker_count"`
	QueueLengths      map[string]int `json:"queue_lengths"`
}

// Summary aggregates the duration series of one task name.
type Summary struct {
	Count  int           `json:"count"`
	Total  time.Duration `json:"total"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Avg    time.Duration `json:"avg"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	StdDev time.Duration `json:"stddev"`
}

// Collector gathers task records and system snapshots. All methods are
// safe for concurrent use; mutations serialize on one mutex and reads
// copy out before computing.
type Collector struct {
	mu        sync.Mutex
	active    map[int64]*TaskRecord
	records   []TaskRecord
	recordPos int
	recordLen int
	snapshots []SystemSnapshot
	snapPos   int
	snapLen   int
	durations map[string][]time.Duration
	prom      *promMetrics
}

// NewCollector creates a collector with the default ring capacities.
func NewCollector() *Collector {
	return &Collector{
		active:    make(map[int64]*TaskRecord),
		records:   make([]TaskRecord, defaultTaskCapacity),
		snapshots: make([]SystemSnapshot, defaultSnapshotCapacity),
		durations: make(map[string][]time.Duration),
	}
}

// Start opens a lifecycle record for a task execution.
func (c *Collector) Start(taskID int64, taskName string, rec TaskRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.TaskID = taskID
	rec.TaskName = taskName
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.PeakCPU = rec.CPUAtStart
	rec.PeakMemory = rec.MemoryAtStart
	c.active[taskID] = &rec
}

// Update folds an intermediate resource sample into the open record.
func (c *Collector) Update(taskID int64, cpuPercent, memoryPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[taskID]
	if !ok {
		return
	}
	rec.PeakCPU = math.Max(rec.PeakCPU, cpuPercent)
	rec.PeakMemory = math.Max(rec.PeakMemory, memoryPercent)
}

// End closes the record, files it in the ring buffer and updates the
// per-name duration series. Unknown ids are ignored.
func (c *Collector) End(taskID int64, status, errMsg string, cpuPercent, memoryPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[taskID]
	if !ok {
		return
	}
	delete(c.active, taskID)

	rec.EndedAt = time.Now().UTC()
	rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	rec.Status = status
	rec.Error = errMsg
	rec.CPUAtEnd = cpuPercent
	rec.MemoryAtEnd = memoryPercent
	rec.PeakCPU = math.Max(rec.PeakCPU, cpuPercent)
	rec.PeakMemory = math.Max(rec.PeakMemory, memoryPercent)

	c.records[c.recordPos] = *rec
	c.recordPos = (c.recordPos + 1) % len(c.records)
	if c.recordLen < len(c.records) {
		c.recordLen++
	}

	series := append(c.durations[rec.TaskName], rec.Duration)
	if len(series) > durationsPerName {
		series = series[len(series)-durationsPerName:]
	}
	c.durations[rec.TaskName] = series

	if c.prom != nil {
		c.prom.observe(rec)
	}
}

// AddSnapshot appends a system sample to the snapshot ring.
func (c *Collector) AddSnapshot(snap SystemSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	c.snapshots[c.snapPos] = snap
	c.snapPos = (c.snapPos + 1) % len(c.snapshots)
	if c.snapLen < len(c.snapshots) {
		c.snapLen++
	}
	if c.prom != nil {
		c.prom.observeSnapshot(&snap)
	}
}

// Snapshots returns the retained system samples, oldest first.
func (c *Collector) Snapshots() []SystemSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SystemSnapshot, 0, c.snapLen)
	start := c.snapPos - c.snapLen
	if start < 0 {
		start += len(c.snapshots)
	}
	for i := 0; i < c.snapLen; i++ {
		out = append(out, c.snapshots[(start+i)%len(c.snapshots)])
	}
	return out
}

// Records returns the retained task records, oldest first.
func (c *Collector) Records() []TaskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskRecord, 0, c.recordLen)
	start := c.recordPos - c.recordLen
	if start < 0 {
		start += len(c.records)
	}
	for i := 0; i < c.recordLen; i++ {
		out = append(out, c.records[(start+i)%len(c.records)])
	}
	return out
}

// FailureRate computes the fraction of retained records with a failed
// status. No records means rate zero.
func (c *Collector) FailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordLen == 0 {
		return 0
	}
	failed := 0
	start := c.recordPos - c.recordLen
	if start < 0 {
		start += len(c.records)
	}
	for i := 0; i < c.recordLen; i++ {
		if c.records[(start+i)%len(c.records)].Status == "failed" {
			failed++
		}
	}
	return float64(failed) / float64(c.recordLen)
}

// TaskSummary aggregates the duration series for one task name.
// Percentiles are computed on a copy so the live series is never held
// across a sort.
func (c *Collector) TaskSummary(taskName string) (Summary, bool) {
	c.mu.Lock()
	series := c.durations[taskName]
	cp := make([]time.Duration, len(series))
	copy(cp, series)
	c.mu.Unlock()

	if len(cp) == 0 {
		return Summary{}, false
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })

	var total time.Duration
	for _, d := range cp {
		total += d
	}
	avg := total / time.Duration(len(cp))

	var variance float64
	for _, d := range cp {
		diff := float64(d - avg)
		variance += diff * diff
	}
	variance /= float64(len(cp))

	return Summary{
		Count:  len(cp),
		Total:  total,
		Min:    cp[0],
		Max:    cp[len(cp)-1],
		Avg:    avg,
		P50:    percentile(cp, 50),
		P90:    percentile(cp, 90),
		P95:    percentile(cp, 95),
		P99:    percentile(cp, 99),
		StdDev: time.Duration(math.Sqrt(variance)),
	}, true
}

// percentile uses nearest-rank on an already-sorted series.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
