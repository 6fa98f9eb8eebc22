package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff computes retry delays: Base after the first failure, doubling per
// further failure up to Max, with Jitter as the randomization factor.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the next attempt once a task has failed
// attempts times (attempts >= 1).
func (b Backoff) Delay(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = b.Jitter
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = eb.NextBackOff()
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
