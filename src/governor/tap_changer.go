// Package governor provides the tap-control state machine and rolling statistics
// used by the regulator controllers.
package governor

import (
	"fmt"
	"math"

	"github.com/ryansname/regctl/src/simtime"
)

// Stage is the control state of a single phase's tap changer.
//
// A phase starts in Settling when no initial tap was configured, otherwise in
// Idle. Out-of-band voltage moves it through AwaitingDwell (deviation must
// persist for the dwell time) and AwaitingMechanical (actuation delay) before
// a one-step commit. A commit that would pass a tap limit parks the phase in
// AtLimit until the voltage returns to band or deviates the other way.
type Stage int

const (
	StageSettling Stage = iota
	StageIdle
	StageAwaitingDwell
	StageAwaitingMechanical
	StageAtLimit
)

func (s Stage) String() string {
	switch s {
	case StageSettling:
		return "settling"
	case StageIdle:
		return "idle"
	case StageAwaitingDwell:
		return "awaiting_dwell"
	case StageAwaitingMechanical:
		return "awaiting_mechanical"
	case StageAtLimit:
		return "at_limit"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// settleTolerance absorbs float error when rounding the settling jump up to whole taps
const settleTolerance = 1e-9

// TapChangerConfig holds the per-regulator constants the state machine needs
type TapChangerConfig struct {
	BandCenter      float64      // Target check voltage (V)
	BandWidth       float64      // Full width of the acceptable band (V)
	VoltsPerTap     float64      // Check voltage change per tap step (V)
	RaiseLimit      int          // Highest tap position
	LowerLimit      int          // Lowest tap position, as a positive count below zero
	DwellTime       simtime.Time // How long a deviation must persist before a commit
	MechanicalDelay simtime.Time // Actuation latency after the dwell
}

// Low returns the bottom of the voltage band.
func (c TapChangerConfig) Low() float64 {
	return c.BandCenter - c.BandWidth/2
}

// High returns the top of the voltage band.
func (c TapChangerConfig) High() float64 {
	return c.BandCenter + c.BandWidth/2
}

// Clamp limits tap to [-LowerLimit, RaiseLimit].
func (c TapChangerConfig) Clamp(tap int) int {
	return max(-c.LowerLimit, min(c.RaiseLimit, tap))
}

// InRange reports whether tap is within the tap limits.
func (c TapChangerConfig) InRange(tap int) bool {
	return tap >= -c.LowerLimit && tap <= c.RaiseLimit
}

// TapChangerState is the full state of one phase
type TapChangerState struct {
	Stage             Stage
	Tap               int
	DwellReady        simtime.Time // When the dwell condition is satisfied
	MechanicalReady   simtime.Time // When the mechanical condition is satisfied
	DwellElapsed      bool         // DwellReady has passed as of the last step
	MechanicalElapsed bool         // MechanicalReady has passed since the last commit
	Direction         int          // +1 raising, -1 lowering, 0 in band
	LastCommit        simtime.Time // Timestep of the last tap move, Never if none
}

// NewTapChangerState returns an inert phase at tap. When settle is set the
// first out-of-band evaluation jumps straight toward the band center.
func NewTapChangerState(tap int, settle bool) TapChangerState {
	s := TapChangerState{
		Stage:           StageIdle,
		Tap:             tap,
		DwellReady:      simtime.Never,
		MechanicalReady: simtime.Never,
		LastCommit:      simtime.Never,
	}
	if settle {
		s.Stage = StageSettling
	}
	return s
}

// Decision describes what a Step did to the tap
type Decision struct {
	Delta     int  // Tap change applied this step
	Settled   bool // First-evaluation jump toward band center
	Committed bool // One-step move after dwell and mechanical delay
	Clamped   bool // A move was cut short by a tap limit
}

// Step evaluates one phase at timestep t0 with check voltage magnitude v.
// It is a pure function: the returned state replaces s.
//
// Calling Step again at the same t0 with the same voltage never moves the tap
// a second time.
func Step(s TapChangerState, v float64, t0 simtime.Time, cfg TapChangerConfig) (TapChangerState, Decision) {
	var d Decision
	settling := s.Stage == StageSettling

	// Refresh delay flags. The mechanical flag latches until the next commit.
	if s.MechanicalReady <= t0 {
		s.MechanicalElapsed = true
	}
	s.DwellElapsed = s.DwellReady <= t0

	direction := 0
	switch {
	case v < cfg.Low():
		direction = 1
	case v > cfg.High():
		direction = -1
	}

	// In band: forget any developing deviation
	if direction == 0 {
		s.clear()
		s.Stage = StageIdle
		return s, d
	}

	switch {
	case settling:
		before := s.Tap
		s.Tap = cfg.Clamp(s.Tap + direction*stepsToCenter(v, cfg))
		s.DwellReady = t0.Add(cfg.DwellTime)
		s.MechanicalReady = t0.Add(cfg.MechanicalDelay)
		s.LastCommit = t0
		d.Delta = s.Tap - before
		d.Settled = true

	case s.Stage == StageAtLimit && direction == s.Direction:
		// Parked at the limit, nothing to do until the voltage changes
		return s, d

	case s.LastCommit == t0:
		// Already moved this timestep; repeated solver iterations leave the timers alone

	case !s.MechanicalElapsed && s.DwellElapsed && s.MechanicalReady.Until(t0) >= cfg.MechanicalDelay:
		// Dwell confirmed, keep waiting on the mechanism
		s.MechanicalReady = t0.Add(cfg.MechanicalDelay)

	case s.MechanicalElapsed && s.DwellElapsed:
		next := s.Tap + direction
		if !cfg.InRange(next) {
			d.Delta = cfg.Clamp(next) - s.Tap
			d.Clamped = true
			s.Tap = cfg.Clamp(next)
			s.clear()
			s.Direction = direction
			s.Stage = StageAtLimit
			return s, d
		}
		s.Tap = next
		s.MechanicalReady = t0.Add(cfg.MechanicalDelay)
		s.DwellReady = t0.Add(cfg.DwellTime)
		s.DwellElapsed = false
		s.MechanicalElapsed = false
		s.LastCommit = t0
		d.Delta = direction
		d.Committed = true

	case !s.DwellElapsed && s.DwellReady.Until(t0) >= cfg.DwellTime:
		// Start (or restart) the dwell; the mechanism cannot start before it ends
		s.DwellReady = t0.Add(cfg.DwellTime)
		s.MechanicalReady = s.DwellReady.Add(cfg.MechanicalDelay)
	}

	s.Direction = direction
	s.Stage = s.pendingStage(t0)
	return s, d
}

// NextBoundary returns the next time this phase needs evaluating even if
// nothing else changes: the pending dwell if any, else the pending mechanical
// delay, else Never.
func (s TapChangerState) NextBoundary(t0 simtime.Time) simtime.Time {
	switch {
	case s.DwellReady > t0 && !s.DwellReady.IsNever():
		return s.DwellReady
	case s.MechanicalReady > t0 && !s.MechanicalReady.IsNever():
		return s.MechanicalReady
	default:
		return simtime.Never
	}
}

func (s *TapChangerState) clear() {
	s.DwellReady = simtime.Never
	s.MechanicalReady = simtime.Never
	s.DwellElapsed = false
	s.MechanicalElapsed = false
	s.Direction = 0
}

func (s TapChangerState) pendingStage(t0 simtime.Time) Stage {
	switch {
	case s.DwellReady.IsNever() && s.MechanicalReady.IsNever():
		return StageIdle
	case s.DwellReady > t0:
		return StageAwaitingDwell
	default:
		return StageAwaitingMechanical
	}
}

// stepsToCenter returns the whole number of taps that moves v to the band center
func stepsToCenter(v float64, cfg TapChangerConfig) int {
	if cfg.VoltsPerTap <= 0 {
		return 0
	}
	steps := math.Ceil(math.Abs(cfg.BandCenter-v)/cfg.VoltsPerTap - settleTolerance)
	// No jump can usefully exceed the full tap range
	return int(min(steps, float64(cfg.RaiseLimit+cfg.LowerLimit)))
}
