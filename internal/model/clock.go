package model

import "time"

// Clock abstracts the time source used for condition dwell tracking
// (_state_since) and rule transition bookkeeping, so the rule engine
// and rule store can be tested deterministically.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock via time.Now, in nanoseconds since
// the Unix epoch. The zero value is ready to use.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().UnixNano() }
