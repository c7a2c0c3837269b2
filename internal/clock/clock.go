// Package clock abstracts the time source so schedulers, cadence logic
// and persistence stamps can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by every component that reads the wall
// clock or sleeps.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

// NowMs returns the clock's current time as Unix milliseconds.
func NowMs(c Clock) int64 {
	return c.Now().UnixMilli()
}

// System is the real wall clock.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() *System {
	return &System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
