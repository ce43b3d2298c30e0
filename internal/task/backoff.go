package task

import (
	"math/rand"
	"time"
)

// backoffSchedule computes delays between retry attempts: exponential
// growth from a base delay, scaled by random jitter in [0.5, 1.0) so tasks
// that failed together against a rate-limited backend do not retry in
// lockstep, and capped at a maximum.
type backoffSchedule struct {
	base time.Duration
	max  time.Duration
}

// delay returns the wait before re-executing a task that has already been
// attempted the given number of times.
func (b backoffSchedule) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Clamp the shift so the multiplier cannot overflow.
	shift := uint(attempt - 1)
	if shift > 16 {
		shift = 16
	}

	d := b.base << shift
	if d > b.max || d <= 0 {
		d = b.max
	}

	jitter := 0.5 + rand.Float64()*0.5
	d = time.Duration(float64(d) * jitter)
	if d < b.base/2 {
		d = b.base / 2
	}
	return d
}
