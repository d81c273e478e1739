// Package clock supplies wall time and cancellable deadline callbacks to the session engine.
package clock

import "time"

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call stopped the timer.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	// ScheduleAt runs f on its own goroutine once at has been reached.
	ScheduleAt(at time.Time, f func()) Timer
}

type realClock struct{}

// New returns the process wall clock in UTC.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) ScheduleAt(at time.Time, f func()) Timer {
	return time.AfterFunc(time.Until(at), f)
}
