package metrics

import (
	"context"
	"log/slog"
	"time"
)

// SystemProbe samples host-level resource usage.
type SystemProbe interface {
	Sample(ctx context.Context) (SystemSnapshot, error)
}

// StaticProbe returns fixed values. Used in tests and on platforms
// without a native probe.
type StaticProbe struct {
	CPUPercent    float64
	MemoryPercent float64
}

func (p StaticProbe) Sample(ctx context.Context) (SystemSnapshot, error) {
	return SystemSnapshot{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    p.CPUPercent,
		MemoryPercent: p.MemoryPercent,
	}, nil
}

// QueueSampler reports live queue depths. The broker satisfies it.
type QueueSampler interface {
	QueueLengths(ctx context.Context) (map[string]int, error)
}

// Sampler periodically feeds probe samples and queue depths into the
// collector.
type Sampler struct {
	collector *Collector
	probe     SystemProbe
	queues    QueueSampler
	interval  time.Duration
	logger    *slog.Logger
	// WorkerCount is read on each sample; set by the worker pool.
	WorkerCount func() int
}

// NewSampler creates a sampler. Zero interval means the 30s default.
func NewSampler(c *Collector, probe SystemProbe, queues QueueSampler, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		collector: c,
		probe:     probe,
		queues:    queues,
		interval:  interval,
		logger:    logger,
	}
}

// Run samples until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	snap, err := s.probe.Sample(ctx)
	if err != nil {
		s.logger.Warn("system probe failed", "error", err)
		return
	}
	if s.queues != nil {
		if lengths, err := s.queues.QueueLengths(ctx); err == nil {
			snap.QueueLengths = lengths
		} else {
			s.logger.Warn("queue length sample failed", "error", err)
		}
	}
	if s.WorkerCount != nil {
		snap.WorkerCount = s.WorkerCount()
	}
	s.collector.AddSnapshot(snap)
}
