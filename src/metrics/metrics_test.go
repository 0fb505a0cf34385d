package metrics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestLifecycleRecord(t *testing.T) {
	c := NewCollector()

	c.Start(1, "execute_task", TaskRecord{
		Queue:      "ai_tasks",
		WorkerID:   "w1",
		Priority:   10,
		CPUAtStart: 20, MemoryAtStart: 40,
	})
	c.Update(1, 75, 50)
	c.Update(1, 60, 45)
	c.End(1, "completed", "", 30, 42)

	records := c.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != "completed" || rec.TaskName != "execute_task" {
		t.Errorf("record = %+v", rec)
	}
	if rec.PeakCPU != 75 {
		t.Errorf("peak cpu = %v, want 75", rec.PeakCPU)
	}
	if rec.PeakMemory != 50 {
		t.Errorf("peak memory = %v, want 50", rec.PeakMemory)
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Error("ended before started")
	}
}

func TestEndUnknownIDIgnored(t *testing.T) {
	c := NewCollector()
	c.End(99, "completed", "", 0, 0)
	if len(c.Records()) != 0 {
		t.Error("unknown end should not file a record")
	}
}

func TestFailureRate(t *testing.T) {
	c := NewCollector()
	for i := int64(0); i < 10; i++ {
		c.Start(i, "x", TaskRecord{})
		status := "completed"
		if i < 3 {
			status = "failed"
		}
		c.End(i, status, "", 0, 0)
	}
	if rate := c.FailureRate(); rate != 0.3 {
		t.Errorf("failure rate = %v, want 0.3", rate)
	}
}

func TestFailureRateEmpty(t *testing.T) {
	c := NewCollector()
	if rate := c.FailureRate(); rate != 0 {
		t.Errorf("failure rate = %v, want 0", rate)
	}
}

func TestTaskSummary(t *testing.T) {
	c := NewCollector()
	// Inject a deterministic series.
	c.mu.Lock()
	for i := 1; i <= 100; i++ {
		c.durations["sync"] = append(c.durations["sync"], time.Duration(i)*time.Millisecond)
	}
	c.mu.Unlock()

	sum, ok := c.TaskSummary("sync")
	if !ok {
		t.Fatal("summary missing")
	}
	if sum.Count != 100 {
		t.Errorf("count = %d", sum.Count)
	}
	if sum.Min != time.Millisecond || sum.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", sum.Min, sum.Max)
	}
	if sum.P50 != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", sum.P50)
	}
	if sum.P99 != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", sum.P99)
	}
	if sum.Avg != 50500*time.Microsecond {
		t.Errorf("avg = %v, want 50.5ms", sum.Avg)
	}
	if sum.StdDev == 0 {
		t.Error("stddev should be non-zero")
	}
}

func TestTaskSummaryUnknown(t *testing.T) {
	c := NewCollector()
	if _, ok := c.TaskSummary("nope"); ok {
		t.Error("unknown name should report no summary")
	}
}

func TestSnapshotRingBounds(t *testing.T) {
	c := NewCollector()
	for i := 0; i < defaultSnapshotCapacity+50; i++ {
		c.AddSnapshot(SystemSnapshot{CPUPercent: float64(i)})
	}
	snaps := c.Snapshots()
	if len(snaps) != defaultSnapshotCapacity {
		t.Fatalf("snapshots = %d, want %d", len(snaps), defaultSnapshotCapacity)
	}
	// Oldest retained sample is number 50.
	if snaps[0].CPUPercent != 50 {
		t.Errorf("oldest sample cpu = %v, want 50", snaps[0].CPUPercent)
	}
	last := snaps[len(snaps)-1]
	if last.CPUPercent != float64(defaultSnapshotCapacity+49) {
		t.Errorf("newest sample cpu = %v", last.CPUPercent)
	}
}

func TestConcurrentLifecycle(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 50; i++ {
				id := base*1000 + i
				c.Start(id, "burst", TaskRecord{})
				c.Update(id, 50, 50)
				c.End(id, "completed", "", 0, 0)
			}
		}(int64(g))
	}
	wg.Wait()

	sum, ok := c.TaskSummary("burst")
	if !ok || sum.Count != 400 {
		t.Errorf("summary count = %d, want 400", sum.Count)
	}
}

func TestSamplerCollectsQueueLengths(t *testing.T) {
	c := NewCollector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSampler(c, StaticProbe{CPUPercent: 12, MemoryPercent: 34},
		staticQueues{"ai_tasks": 5}, time.Minute, logger)
	s.WorkerCount = func() int { return 4 }

	s.sampleOnce(context.Background())

	snaps := c.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.CPUPercent != 12 || snap.MemoryPercent != 34 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.QueueLengths["ai_tasks"] != 5 {
		t.Errorf("queue lengths = %v", snap.QueueLengths)
	}
	if snap.WorkerCount != 4 {
		t.Errorf("worker count = %d", snap.WorkerCount)
	}
}

type staticQueues map[string]int

func (s staticQueues) QueueLengths(ctx context.Context) (map[string]int, error) {
	return s, nil
}

func TestEnablePrometheusHandler(t *testing.T) {
	c := NewCollector()
	handler := c.EnablePrometheus()
	if handler == nil {
		t.Fatal("handler is nil")
	}
	// Records filed after enabling must not panic the registry path.
	c.Start(1, "execute_task", TaskRecord{})
	c.End(1, "completed", "", 0, 0)
	c.AddSnapshot(SystemSnapshot{CPUPercent: 10, QueueLengths: map[string]int{"ai_tasks": 2}})
}
