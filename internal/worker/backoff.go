package worker

import (
	"math/rand"
	"time"
)

// backoffExp doubles base per attempt (base, 2*base, 4*base...) up to max,
// then spreads the result by +/-20% so retries of a failed burst do not
// line up.
func backoffExp(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 1 {
		return jitter(base, max)
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return jitter(d, max)
}

func jitter(d, max time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	j := time.Duration(float64(d) * f)
	if j > max {
		j = max
	}
	return j
}
