// Package backoff computes retry delays and escalating penalty windows.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	// Retries is the number of retries after the first attempt.
	Retries int
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay on each retry.
	Factor float64
	// Jitter adds up to Jitter*delay of random slack (0..1).
	Jitter float64
}

// LockPolicy is the schedule used for store lock acquisition:
// 10 retries, factor 2, 100ms up to 10s, full jitter.
func LockPolicy() Policy {
	return Policy{
		Retries: 10,
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  1,
	}
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	return p.DelayWithRand(n, rand.Float64()) // #nosec G404 -- jitter only
}

// DelayWithRand is Delay with a caller supplied random value in [0,1).
func (p Policy) DelayWithRand(n int, r float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(n-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*clamp01(p.Jitter)*clamp01(r)
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Escalate returns base*factor^(n-1) capped at max. It is used for
// penalty windows that grow with repeated failures.
func Escalate(base time.Duration, factor float64, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	window := float64(base) * math.Pow(factor, float64(n-1))
	if max > 0 && (window > float64(max) || math.IsInf(window, 1)) {
		return max
	}
	return time.Duration(window)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
