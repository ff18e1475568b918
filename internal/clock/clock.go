// Package clock provides the monotonic time source the sender and
// receiver engines use to compute receive deadlines, so tests can
// substitute a controlled clock instead of wall time.
package clock

import "time"

// Clock returns the current instant used for deadline arithmetic.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }
