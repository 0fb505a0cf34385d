package worker

import "time"

// RetryPolicy computes the backoff for failed task executions.
type RetryPolicy struct {
	// Base is the first retry delay.
	Base time.Duration `yaml:"base"`
	// Cap bounds the exponential growth.
	Cap time.Duration `yaml:"cap"`
	// Max is the number of retries before a task is marked failed.
	Max int `yaml:"max"`
}

// DefaultRetryPolicy returns the standard backoff shape.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base: 60 * time.Second,
		Cap:  3600 * time.Second,
		Max:  3,
	}
}

// Delay returns base × 2^retry, capped.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether another retry is allowed.
func (p RetryPolicy) Exhausted(retry int) bool {
	return retry >= p.Max
}

// MaxCumulativeDelay is the total backoff a task can spend across all
// its retries.
func (p RetryPolicy) MaxCumulativeDelay() time.Duration {
	var total time.Duration
	for i := 0; i < p.Max; i++ {
		total += p.Delay(i)
	}
	return total
}
