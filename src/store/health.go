package store

import (
	"context"
	"time"
)

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	Open      int           `json:"open"`
	InUse     int           `json:"in_use"`
	Idle      int           `json:"idle"`
	WaitCount int64         `json:"wait_count"`
	WaitTime  time.Duration `json:"wait_time"`
	MaxOpen   int           `json:"max_open"`
}

// HealthReport describes store connectivity.
type HealthReport struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Pool         PoolStats     `json:"pool_stats"`
	LastError    string        `json:"last_error,omitempty"`
}

// Health pings the database and reports pool statistics.
func (s *Store) Health(ctx context.Context) HealthReport {
	start := time.Now()
	err := s.db.PingContext(ctx)
	elapsed := time.Since(start)
	s.setHealth(err == nil, err)

	stats := s.db.Stats()
	report := HealthReport{
		Healthy:      err == nil,
		ResponseTime: elapsed,
		Pool: PoolStats{
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			WaitCount: stats.WaitCount,
			WaitTime:  stats.WaitDuration,
			MaxOpen:   stats.MaxOpenConnections,
		},
	}
	if err != nil {
		report.LastError = err.Error()
	}
	return report
}

// Healthy reports the last observed connectivity state.
func (s *Store) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Store) setHealth(ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok != s.healthy {
		if ok {
			s.logger.Info("store connectivity restored")
		} else {
			s.logger.Error("store connectivity lost", "error", err)
		}
	}
	s.healthy = ok
	s.lastErr = err
}

// MonitorHealth pings the database on the configured interval until the
// context is cancelled.
func (s *Store) MonitorHealth(ctx context.Context) {
	interval := s.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, s.cfg.PoolTimeout)
			s.Health(checkCtx)
			cancel()
		}
	}
}
