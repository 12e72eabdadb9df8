// Package clock abstracts wall time so lease and retry arithmetic can be
// driven deterministically in tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC with millisecond precision, the
// precision the store keeps.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Func adapts a function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }
