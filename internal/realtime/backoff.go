package realtime

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes exponential resubscribe delays with jitter. The attempt
// counter resets after a subscription has stayed healthy for a minute, so a
// flappy channel does not permanently pin the delay at the ceiling.
type backoff struct {
	base        time.Duration
	max         time.Duration
	attempt     int
	healthyAt   time.Time
	healthySpan time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, healthySpan: time.Minute}
}

func (b *backoff) markHealthy() {
	b.healthyAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.healthyAt.IsZero() && time.Since(b.healthyAt) > b.healthySpan {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	d := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return d
}
