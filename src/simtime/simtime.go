// Package simtime defines the simulation clock and the result a simulation
// object returns from each pass.
package simtime

import (
	"fmt"
	"math"
)

// Time is a simulation timestamp in whole seconds
type Time int64

// Never is the timestamp of an event that is not scheduled
const Never Time = math.MaxInt64

// IsNever reports whether t is the Never sentinel.
func (t Time) IsNever() bool {
	return t == Never
}

// Add returns t+d, saturating at Never.
func (t Time) Add(d Time) Time {
	if t == Never || d == Never {
		return Never
	}
	if d > 0 && t > Never-d {
		return Never
	}
	return t + d
}

// Until returns the duration from now to t, or Never if t is Never.
func (t Time) Until(now Time) Time {
	if t == Never {
		return Never
	}
	return t - now
}

func (t Time) String() string {
	if t == Never {
		return "never"
	}
	return fmt.Sprintf("%ds", int64(t))
}

// Min returns the earliest of ts, or Never if ts is empty.
func Min(ts ...Time) Time {
	result := Never
	for _, t := range ts {
		result = min(result, t)
	}
	return result
}

// Kind distinguishes how a host should treat an Outcome
type Kind int

const (
	// Advance accepts the step; the clock may move forward to At
	Advance Kind = iota
	// Retry asks the host to iterate again at the current timestep before
	// advancing, and not to advance past At
	Retry
)

func (k Kind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is what a simulation object returns from a pass
type Outcome struct {
	Kind Kind
	At   Time
}

// AdvanceTo accepts the step with the next event at t.
func AdvanceTo(t Time) Outcome {
	return Outcome{Kind: Advance, At: t}
}

// RetryAt asks for another iteration at the current timestep, with the next
// mandatory evaluation at t.
func RetryAt(t Time) Outcome {
	return Outcome{Kind: Retry, At: t}
}

// IsRetry reports whether the outcome requests another iteration.
func (o Outcome) IsRetry() bool {
	return o.Kind == Retry
}

func (o Outcome) String() string {
	return fmt.Sprintf("%s@%s", o.Kind, o.At)
}
