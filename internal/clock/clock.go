// Package clock abstracts wall time and one-shot timers so time-driven state
// transitions can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable one-shot scheduled action.
type Timer interface {
	// Stop prevents the action from running. It reports false if the action
	// already ran or was already stopped.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
