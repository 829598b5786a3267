// Package clock abstracts time so expiry and TTL logic can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source used by the account tree and the expiry sweep.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is backed by the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
