// Package backoff provides a pure exponential retry policy.
package backoff

import "time"

// Policy computes retry delays as Base * Factor^attempt, capped at Max.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Default is the reconnect policy used for assistant links: 2s doubling to 60s.
var Default = Policy{Base: 2 * time.Second, Max: 60 * time.Second, Factor: 2}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}
