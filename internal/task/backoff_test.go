package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := backoffSchedule{base: time.Second, max: 30 * time.Second}

	for attempt := 1; attempt <= 8; attempt++ {
		exp := time.Second << uint(attempt-1)
		if exp > b.max {
			exp = b.max
		}
		for i := 0; i < 50; i++ {
			d := b.delay(attempt)
			assert.GreaterOrEqual(t, d, time.Second/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, exp, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := backoffSchedule{base: time.Second, max: 10 * time.Second}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, b.delay(40), 10*time.Second)
	}
}

func TestBackoffDelayHandlesZeroAttempt(t *testing.T) {
	b := backoffSchedule{base: time.Second, max: 10 * time.Second}
	assert.GreaterOrEqual(t, b.delay(0), time.Second/2)
}
