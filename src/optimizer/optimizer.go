// Package optimizer analyses resource-usage history to recommend and
// apply worker tuning, and projects near-term load.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/apimgr/assistant/src/metrics"
)

const (
	maxSamples      = 1000
	forecastSamples = 100
)

// WorkerConfig is the tunable shape of the worker pool.
type WorkerConfig struct {
	// QueueConcurrency maps queue name to slot count.
	QueueConcurrency map[string]int `json:"queue_concurrency"`
	WorkerMaxMemoryMB int           `json:"worker_max_memory_mb"`
}

// Trend is the linear fit of one metric series over the window.
type Trend struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// Analysis summarizes a usage window.
type Analysis struct {
	WindowHours     int               `json:"window_hours"`
	SampleCount     int               `json:"sample_count"`
	AvgCPU          float64           `json:"avg_cpu"`
	AvgLoad         float64           `json:"avg_load"`
	AvgMemory       float64           `json:"avg_memory"`
	PeakCPU         float64           `json:"peak_cpu"`
	PeakMemory      float64           `json:"peak_memory"`
	CPUTrend        Trend             `json:"cpu_trend"`
	MemoryTrend     Trend             `json:"memory_trend"`
	Bottlenecks     []string          `json:"bottlenecks,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	AvgQueueDepth   map[string]float64 `json:"avg_queue_depth,omitempty"`
}

// Forecast is one projected hour of load.
type ForecastPoint struct {
	Hour          int     `json:"hour"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ForecastResult carries the projection and its confidence grade.
type ForecastResult struct {
	Points     []ForecastPoint `json:"points"`
	Confidence string          `json:"confidence"`
}

// Optimizer keeps a bounded sample ring and derives tuning from it.
type Optimizer struct {
	mu       sync.Mutex
	samples  []metrics.SystemSnapshot
	pos      int
	length   int
	probe    metrics.SystemProbe
	interval time.Duration
	logger   *slog.Logger
	cpuCores int
	totalRAMMB int
	now      func() time.Time
}

// New creates an optimizer sampling from probe. Zero interval means the
// 60s default.
func New(probe metrics.SystemProbe, interval time.Duration, logger *slog.Logger) *Optimizer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Optimizer{
		samples:  make([]metrics.SystemSnapshot, maxSamples),
		probe:    probe,
		interval: interval,
		logger:   logger,
		cpuCores: runtime.NumCPU(),
		now:      time.Now,
	}
}

// SetTotalRAMMB informs the memory-pressure rule; zero disables it.
func (o *Optimizer) SetTotalRAMMB(mb int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalRAMMB = mb
}

// Run samples until the context is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := o.probe.Sample(ctx)
			if err != nil {
				o.logger.Warn("optimizer sample failed", "error", err)
				continue
			}
			o.AddSample(snap)
		}
	}
}

// AddSample appends one usage sample to the ring.
func (o *Optimizer) AddSample(snap metrics.SystemSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = o.now().UTC()
	}
	o.samples[o.pos] = snap
	o.pos = (o.pos + 1) % len(o.samples)
	if o.length < len(o.samples) {
		o.length++
	}
}

// window returns retained samples no older than the cutoff, oldest
// first. Zero cutoff returns everything.
func (o *Optimizer) window(cutoff time.Time) []metrics.SystemSnapshot {
	out := make([]metrics.SystemSnapshot, 0, o.length)
	start := o.pos - o.length
	if start < 0 {
		start += len(o.samples)
	}
	for i := 0; i < o.length; i++ {
		s := o.samples[(start+i)%len(o.samples)]
		if cutoff.IsZero() || s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Analyze summarizes the last windowHours of samples.
func (o *Optimizer) Analyze(windowHours int) *Analysis {
	if windowHours <= 0 {
		windowHours = 1
	}
	o.mu.Lock()
	samples := o.window(o.now().Add(-time.Duration(windowHours) * time.Hour))
	o.mu.Unlock()

	a := &Analysis{WindowHours: windowHours, SampleCount: len(samples)}
	if len(samples) == 0 {
		return a
	}

	cpu := make([]float64, len(samples))
	mem := make([]float64, len(samples))
	queueTotals := make(map[string]float64)
	for i, s := range samples {
		cpu[i] = s.CPUPercent
		mem[i] = s.MemoryPercent
		a.AvgCPU += s.CPUPercent
		a.AvgLoad += s.Load1
		a.AvgMemory += s.MemoryPercent
		a.PeakCPU = math.Max(a.PeakCPU, s.CPUPercent)
		a.PeakMemory = math.Max(a.PeakMemory, s.MemoryPercent)
		for q, depth := range s.QueueLengths {
			queueTotals[q] += float64(depth)
		}
	}
	a.AvgCPU /= float64(len(samples))
	a.AvgLoad /= float64(len(samples))
	a.AvgMemory /= float64(len(samples))
	a.CPUTrend = linearFit(cpu)
	a.MemoryTrend = linearFit(mem)

	if len(queueTotals) > 0 {
		a.AvgQueueDepth = make(map[string]float64, len(queueTotals))
		for q, total := range queueTotals {
			a.AvgQueueDepth[q] = total / float64(len(samples))
		}
	}

	if a.AvgCPU > 70 {
		a.Bottlenecks = append(a.Bottlenecks, "cpu")
		a.Recommendations = append(a.Recommendations, "reduce worker concurrency or add cores")
	}
	if a.AvgMemory > 80 {
		a.Bottlenecks = append(a.Bottlenecks, "memory")
		a.Recommendations = append(a.Recommendations, "lower worker memory ceiling or add RAM")
	}
	var backlogged []string
	for q, depth := range a.AvgQueueDepth {
		if depth > 100 {
			backlogged = append(backlogged, q)
		}
	}
	if len(backlogged) > 0 {
		sort.Strings(backlogged)
		a.Bottlenecks = append(a.Bottlenecks, "queue_backlog")
		a.Recommendations = append(a.Recommendations,
			fmt.Sprintf("raise concurrency for backlogged queues: %v", backlogged))
	}
	if a.CPUTrend.Slope > 0.5 {
		a.Recommendations = append(a.Recommendations, "cpu usage is trending up; review recurring task load")
	}
	return a
}

// linearFit computes slope and intercept over index positions.
func linearFit(series []float64) Trend {
	n := float64(len(series))
	if n < 2 {
		if n == 1 {
			return Trend{Intercept: series[0]}
		}
		return Trend{}
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Trend{Intercept: sumY / n}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	return Trend{Slope: slope, Intercept: (sumY - slope*sumX) / n}
}

// OptimizeWorkerConfiguration derives a new worker shape from recent
// load. Concurrency moves within [1, 2×cores]; memory pressure lowers
// the per-worker memory ceiling.
func (o *Optimizer) OptimizeWorkerConfiguration(current WorkerConfig) WorkerConfig {
	a := o.Analyze(1)

	next := WorkerConfig{
		QueueConcurrency:  make(map[string]int, len(current.QueueConcurrency)),
		WorkerMaxMemoryMB: current.WorkerMaxMemoryMB,
	}
	for q, c := range current.QueueConcurrency {
		next.QueueConcurrency[q] = c
	}
	if a.SampleCount == 0 {
		return next
	}

	scale := 1.0
	switch {
	case a.AvgCPU > 70:
		scale = 0.8
	case a.AvgCPU < 30:
		scale = 1.2
	}
	// Sustained load above 80% of core budget backs off hardest.
	if a.AvgLoad > float64(o.cpuCores)*0.8 {
		scale = 0.7
	}

	maxSlots := 2 * o.cpuCores
	for q, c := range next.QueueConcurrency {
		scaled := int(math.Round(float64(c) * scale))
		if scaled < 1 {
			scaled = 1
		}
		if scaled > maxSlots {
			scaled = maxSlots
		}
		next.QueueConcurrency[q] = scaled
	}

	if a.AvgMemory > 80 && o.totalRAMMB > 0 {
		next.WorkerMaxMemoryMB = o.totalRAMMB * 60 / 100
	}
	return next
}

// Forecast projects hourly cpu/memory for up to 24 hours from a linear
// fit over the last 100 samples, clamped to [0, 100]. Confidence grades
// on sample count: low (<10), medium (<50), high (≥50).
func (o *Optimizer) Forecast(hours int) ForecastResult {
	if hours <= 0 {
		hours = 1
	}
	if hours > 24 {
		hours = 24
	}

	o.mu.Lock()
	samples := o.window(time.Time{})
	o.mu.Unlock()
	if len(samples) > forecastSamples {
		samples = samples[len(samples)-forecastSamples:]
	}

	confidence := "low"
	switch {
	case len(samples) >= 50:
		confidence = "high"
	case len(samples) >= 10:
		confidence = "medium"
	}

	result := ForecastResult{Confidence: confidence}
	if len(samples) == 0 {
		return result
	}

	cpu := make([]float64, len(samples))
	mem := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPUPercent
		mem[i] = s.MemoryPercent
	}
	cpuFit := linearFit(cpu)
	memFit := linearFit(mem)

	// Samples arrive once per interval; project in sample units.
	perHour := float64(time.Hour / o.interval)
	base := float64(len(samples) - 1)
	for h := 1; h <= hours; h++ {
		x := base + perHour*float64(h)
		result.Points = append(result.Points, ForecastPoint{
			Hour:          h,
			CPUPercent:    clamp(cpuFit.Intercept+cpuFit.Slope*x, 0, 100),
			MemoryPercent: clamp(memFit.Intercept+memFit.Slope*x, 0, 100),
		})
	}
	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
