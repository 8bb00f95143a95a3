package core

import "time"

// TimeRef is the unit of a board delay.
type TimeRef uint8

const (
	DelaySeconds TimeRef = iota
	DelayMillis
	DelayMicros
)

// Duration converts n units to a time.Duration. Unknown units give zero.
func (r TimeRef) Duration(n uint32) time.Duration {
	switch r {
	case DelaySeconds:
		return time.Duration(n) * time.Second
	case DelayMillis:
		return time.Duration(n) * time.Millisecond
	case DelayMicros:
		return time.Duration(n) * time.Microsecond
	}
	return 0
}

// Sleeper blocks for a duration. Boards pass time.Sleep; tests pass a
// recorder.
type Sleeper func(time.Duration)

// Unwired is a Line that is not connected.
var Unwired = Line{Pin: NoPin}
