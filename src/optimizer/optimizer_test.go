package optimizer

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/apimgr/assistant/src/metrics"
)

func testOptimizer() *Optimizer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(metrics.StaticProbe{}, time.Minute, logger)
}

func fill(o *Optimizer, n int, cpu, mem float64) {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		o.AddSample(metrics.SystemSnapshot{
			Timestamp:     now.Add(-time.Duration(n-i) * time.Minute),
			CPUPercent:    cpu,
			MemoryPercent: mem,
		})
	}
}

func TestAnalyzeAveragesAndPeaks(t *testing.T) {
	o := testOptimizer()
	now := time.Now().UTC()
	for i, cpu := range []float64{20, 40, 60} {
		o.AddSample(metrics.SystemSnapshot{
			Timestamp:  now.Add(-time.Duration(3-i) * time.Minute),
			CPUPercent: cpu, MemoryPercent: 50,
			QueueLengths: map[string]int{"ai_tasks": 10 * (i + 1)},
		})
	}

	a := o.Analyze(1)
	if a.SampleCount != 3 {
		t.Fatalf("samples = %d, want 3", a.SampleCount)
	}
	if a.AvgCPU != 40 || a.PeakCPU != 60 {
		t.Errorf("avg/peak cpu = %v/%v", a.AvgCPU, a.PeakCPU)
	}
	if a.CPUTrend.Slope <= 0 {
		t.Errorf("cpu slope = %v, want rising", a.CPUTrend.Slope)
	}
	if a.AvgQueueDepth["ai_tasks"] != 20 {
		t.Errorf("avg queue depth = %v", a.AvgQueueDepth)
	}
}

func TestAnalyzeBottlenecks(t *testing.T) {
	o := testOptimizer()
	fill(o, 10, 85, 90)

	a := o.Analyze(1)
	if len(a.Bottlenecks) < 2 {
		t.Fatalf("bottlenecks = %v, want cpu and memory", a.Bottlenecks)
	}
	if len(a.Recommendations) == 0 {
		t.Error("recommendations empty under pressure")
	}
}

func TestAnalyzeEmptyWindow(t *testing.T) {
	o := testOptimizer()
	a := o.Analyze(1)
	if a.SampleCount != 0 || len(a.Bottlenecks) != 0 {
		t.Errorf("empty analysis = %+v", a)
	}
}

func TestOptimizeScalesDownUnderCPUPressure(t *testing.T) {
	o := testOptimizer()
	fill(o, 10, 85, 40)

	next := o.OptimizeWorkerConfiguration(WorkerConfig{
		QueueConcurrency: map[string]int{"ai_tasks": 10, "maintenance_tasks": 1},
	})
	if next.QueueConcurrency["ai_tasks"] != 8 {
		t.Errorf("ai_tasks concurrency = %d, want 8 (×0.8)", next.QueueConcurrency["ai_tasks"])
	}
	if next.QueueConcurrency["maintenance_tasks"] != 1 {
		t.Errorf("maintenance concurrency = %d, floor is 1", next.QueueConcurrency["maintenance_tasks"])
	}
}

func TestOptimizeScalesUpWhenIdle(t *testing.T) {
	o := testOptimizer()
	fill(o, 10, 10, 40)

	next := o.OptimizeWorkerConfiguration(WorkerConfig{
		QueueConcurrency: map[string]int{"ai_tasks": 5},
	})
	want := int(math.Round(5 * 1.2))
	if got := next.QueueConcurrency["ai_tasks"]; got != want && got != 2*o.cpuCores {
		t.Errorf("ai_tasks concurrency = %d, want %d (×1.2, capped at 2×cores)", got, want)
	}
}

func TestOptimizeMemoryPressureLowersCeiling(t *testing.T) {
	o := testOptimizer()
	o.SetTotalRAMMB(8000)
	fill(o, 10, 40, 90)

	next := o.OptimizeWorkerConfiguration(WorkerConfig{
		QueueConcurrency:  map[string]int{"ai_tasks": 4},
		WorkerMaxMemoryMB: 6000,
	})
	if next.WorkerMaxMemoryMB != 4800 {
		t.Errorf("worker max memory = %d, want 4800 (60%% of 8000)", next.WorkerMaxMemoryMB)
	}
}

func TestOptimizeLoadBackoff(t *testing.T) {
	o := testOptimizer()
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		o.AddSample(metrics.SystemSnapshot{
			Timestamp:  now.Add(-time.Duration(10-i) * time.Minute),
			CPUPercent: 50,
			Load1:      float64(o.cpuCores), // saturated run queue
		})
	}

	next := o.OptimizeWorkerConfiguration(WorkerConfig{
		QueueConcurrency: map[string]int{"ai_tasks": 10},
	})
	if next.QueueConcurrency["ai_tasks"] != 7 {
		t.Errorf("ai_tasks concurrency = %d, want 7 (×0.7 under load)", next.QueueConcurrency["ai_tasks"])
	}
}

func TestOptimizeNoSamplesNoChange(t *testing.T) {
	o := testOptimizer()
	current := WorkerConfig{QueueConcurrency: map[string]int{"ai_tasks": 4}}
	next := o.OptimizeWorkerConfiguration(current)
	if next.QueueConcurrency["ai_tasks"] != 4 {
		t.Errorf("concurrency changed without data: %+v", next)
	}
}

func TestForecastClampAndConfidence(t *testing.T) {
	o := testOptimizer()

	// Steeply rising series hits the 100 clamp.
	now := time.Now().UTC()
	for i := 0; i < 60; i++ {
		o.AddSample(metrics.SystemSnapshot{
			Timestamp:  now.Add(-time.Duration(60-i) * time.Minute),
			CPUPercent: float64(i) * 1.5,
		})
	}
	res := o.Forecast(24)
	if res.Confidence != "high" {
		t.Errorf("confidence = %s, want high with 60 samples", res.Confidence)
	}
	if len(res.Points) != 24 {
		t.Fatalf("points = %d, want 24", len(res.Points))
	}
	last := res.Points[23]
	if last.CPUPercent != 100 {
		t.Errorf("projected cpu = %v, want clamped at 100", last.CPUPercent)
	}
	if last.MemoryPercent < 0 || last.MemoryPercent > 100 {
		t.Errorf("projected memory = %v out of range", last.MemoryPercent)
	}
}

func TestForecastConfidenceGrades(t *testing.T) {
	o := testOptimizer()
	if res := o.Forecast(1); res.Confidence != "low" {
		t.Errorf("confidence = %s, want low with 0 samples", res.Confidence)
	}
	fill(o, 20, 50, 50)
	if res := o.Forecast(1); res.Confidence != "medium" {
		t.Errorf("confidence = %s, want medium with 20 samples", res.Confidence)
	}
}

func TestForecastHoursClamped(t *testing.T) {
	o := testOptimizer()
	fill(o, 5, 50, 50)
	if res := o.Forecast(100); len(res.Points) != 24 {
		t.Errorf("points = %d, want clamped to 24", len(res.Points))
	}
}

func TestLinearFit(t *testing.T) {
	fit := linearFit([]float64{1, 3, 5, 7})
	if math.Abs(fit.Slope-2) > 1e-9 || math.Abs(fit.Intercept-1) > 1e-9 {
		t.Errorf("fit = %+v, want slope 2 intercept 1", fit)
	}
	flat := linearFit([]float64{4, 4, 4})
	if math.Abs(flat.Slope) > 1e-9 {
		t.Errorf("flat slope = %v", flat.Slope)
	}
}

func TestRingBounded(t *testing.T) {
	o := testOptimizer()
	fill(o, maxSamples+100, 50, 50)
	o.mu.Lock()
	length := o.length
	o.mu.Unlock()
	if length != maxSamples {
		t.Errorf("ring length = %d, want %d", length, maxSamples)
	}
}
