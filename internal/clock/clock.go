// Package clock abstracts wall-clock time and one-shot timers so the
// matchmaker and phase coordinator can be driven by a fake clock in tests.
// Phase deadlines are always computed as phaseStart + duration against
// Clock.Now, never read back from a running timer.
package clock

import "time"

// Timer is a one-shot timer handle. Stop reports whether the timer was
// stopped before its callback ran.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
