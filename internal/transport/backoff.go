package transport

import (
	"math/rand/v2"
	"time"
)

// backoff yields reconnect delays that double from min up to max, each
// jittered down by up to half so reconnecting clients spread out.
type backoff struct {
	min, max time.Duration
	attempt  int
	jitter   func(n int64) int64
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, jitter: rand.Int64N}
}

func (b *backoff) next() time.Duration {
	d := b.min
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + b.jitter(half+1))
}

func (b *backoff) reset() { b.attempt = 0 }
