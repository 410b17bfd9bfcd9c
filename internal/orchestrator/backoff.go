package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig controls the delay between attempts of a failing job.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoff is used when Options.Backoff is left empty.
var DefaultBackoff = BackoffConfig{
	InitialInterval:     5 * time.Second,
	MaxInterval:         10 * time.Minute,
	Multiplier:          2,
	RandomizationFactor: 0.2,
}

// Delay returns the wait before the given attempt, counting from 1.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor

	var d time.Duration
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}

	if d < 0 || d > c.MaxInterval {
		return c.MaxInterval
	}
	return d
}
