package game

import "time"

// Clock abstracts wall time so the round loop can be driven by a virtual
// clock in tests. Phase deadlines and tick edges all go through After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the production clock.
func RealClock() Clock { return realClock{} }
