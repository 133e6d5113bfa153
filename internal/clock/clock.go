// Package clock provides an injectable time source so batch jobs and
// state transitions can be tested against simulated time.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns the wall-clock implementation used in production.
func NewSystemClock() Clock { return systemClock{} }
