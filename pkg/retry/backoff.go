package retry

import (
	"context"
	"math/rand"
	"time"

	errs "mapillary-downloader/pkg/errors"
)

// maxServerHint bounds how long a Retry-After header may stall a worker
const maxServerHint = 5 * time.Minute

// Backoff computes the pause after a failed attempt
type Backoff interface {
	// Delay returns the pause after the given (1-based) failed attempt.
	// err is the failure, so servers asking for a longer pause can get it.
	Delay(attempt int, err error) time.Duration
}

// Exponential grows the pause by Multiplier from Base up to Max and
// spreads it by +/- Jitter so parallel workers do not retry in lockstep.
// A Retry-After hint on a 429 or 503 wins when it is longer.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay implements Backoff
func (b Exponential) Delay(attempt int, err error) time.Duration {
	if attempt <= 0 {
		return 0
	}

	d := b.nominal(attempt)
	if b.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * b.Jitter * float64(d))
	}
	if d < 0 {
		d = 0
	}

	if hint := min(errs.RetryAfter(err), maxServerHint); hint > d {
		d = hint
	}
	return d
}

// nominal is the un-jittered pause, capped at Max
func (b Exponential) nominal(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Fixed pauses the same amount after every failure
type Fixed time.Duration

// Delay implements Backoff
func (f Fixed) Delay(attempt int, err error) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(f)
}

// sleep pauses for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
