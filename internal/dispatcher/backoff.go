package dispatcher

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterFactor randomizes delays by ±50% to spread retries from many tasks
// that failed at the same moment
const jitterFactor = 0.5

// BackoffDelay computes the delay before the next attempt: exponential in the
// number of attempts already made, capped, with jitter. Unlike an in-process
// backoff timer, this is a pure function of the persisted attempt counter, so
// the schedule survives dispatcher restarts.
func BackoffDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2
	b.RandomizationFactor = jitterFactor
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
