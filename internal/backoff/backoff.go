// Package backoff computes retry delays. Policies are stateless.
package backoff

import "time"

// Policy returns the delay before retry n, where n = 1 is the first retry.
type Policy interface {
	Delay(n int) time.Duration
}

// Exponential doubles the delay on every retry: Base * 2^(n-1), capped at Cap.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func NewExponential(base, cap time.Duration) Exponential {
	return Exponential{Base: base, Cap: cap}
}

func (e Exponential) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := e.Base
	for i := 1; i < n; i++ {
		d *= 2
		if e.Cap > 0 && d >= e.Cap {
			return e.Cap
		}
	}
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Default is 1s doubling up to one minute.
func Default() Policy {
	return NewExponential(time.Second, time.Minute)
}
