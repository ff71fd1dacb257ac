package governor

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/regctl/src/simtime"
)

// 120V band center, 2V band (119..121), 0.75V per tap (10% over 16 taps)
func newTestTapConfig() TapChangerConfig {
	return TapChangerConfig{
		BandCenter:      120,
		BandWidth:       2,
		VoltsPerTap:     0.75,
		RaiseLimit:      16,
		LowerLimit:      16,
		DwellTime:       30,
		MechanicalDelay: 10,
	}
}

func TestTapChanger_InBandStaysIdle(t *testing.T) {
	cfg := newTestTapConfig()
	s := NewTapChangerState(0, false)

	for _, tm := range []simtime.Time{0, 30, 60} {
		var d Decision
		s, d = Step(s, 120.5, tm, cfg)
		assert.Equal(t, 0, d.Delta)
		assert.Equal(t, StageIdle, s.Stage)
		assert.Equal(t, simtime.Never, s.NextBoundary(tm))
	}
}

func TestTapChanger_Settling(t *testing.T) {
	t.Run("jumps toward band center in one step", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, true)

		// Three taps low
		s, d := Step(s, 120-3*0.75, 0, cfg)

		assert.True(t, d.Settled)
		assert.Equal(t, 3, d.Delta)
		assert.Equal(t, 3, s.Tap)
		assert.Equal(t, simtime.Time(30), s.DwellReady)
		assert.Equal(t, simtime.Time(10), s.MechanicalReady)
		assert.Equal(t, StageAwaitingDwell, s.Stage)
	})

	t.Run("jump is clamped to the raise limit", func(t *testing.T) {
		cfg := newTestTapConfig()
		cfg.RaiseLimit = 2
		s := NewTapChangerState(0, true)

		s, d := Step(s, 120-3*0.75, 0, cfg)

		assert.Equal(t, 2, s.Tap)
		assert.Equal(t, 2, d.Delta)
	})

	t.Run("lowering jump rounds up", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, true)

		// 2.5 taps high rounds to 3
		s, _ = Step(s, 120+2.5*0.75, 0, cfg)

		assert.Equal(t, -3, s.Tap)
	})

	t.Run("in band first evaluation settles without moving", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, true)

		s, d := Step(s, 120, 0, cfg)
		assert.Equal(t, 0, d.Delta)
		assert.Equal(t, StageIdle, s.Stage)

		// Later excursions take the normal dwell path
		s, d = Step(s, 117, 10, cfg)
		assert.Equal(t, 0, d.Delta)
		assert.Equal(t, StageAwaitingDwell, s.Stage)
	})

	t.Run("settles only once", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, true)

		s, _ = Step(s, 117.75, 0, cfg)
		s, d := Step(s, 117.75, 0, cfg)

		assert.Equal(t, 3, s.Tap)
		assert.False(t, d.Settled)
	})
}

func TestTapChanger_DwellThenMechanicalThenCommit(t *testing.T) {
	cfg := newTestTapConfig()
	s := NewTapChangerState(0, false)
	const v = 118.0

	// Deviation starts the dwell; mechanism follows the dwell
	s, d := Step(s, v, 0, cfg)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, StageAwaitingDwell, s.Stage)
	assert.Equal(t, simtime.Time(30), s.DwellReady)
	assert.Equal(t, simtime.Time(40), s.MechanicalReady)
	assert.Equal(t, simtime.Time(30), s.NextBoundary(0))

	// Dwell elapsed, still waiting on the mechanism
	s, d = Step(s, v, 30, cfg)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, StageAwaitingMechanical, s.Stage)
	assert.Equal(t, simtime.Time(40), s.NextBoundary(30))

	// Both elapsed: commit one step
	s, d = Step(s, v, 40, cfg)
	assert.True(t, d.Committed)
	assert.Equal(t, 1, d.Delta)
	assert.Equal(t, 1, s.Tap)
	assert.Equal(t, simtime.Time(70), s.DwellReady)
	assert.Equal(t, simtime.Time(50), s.MechanicalReady)
	assert.Equal(t, simtime.Time(70), s.NextBoundary(40))

	// Mechanism ready again before the dwell, nothing happens
	s, d = Step(s, v, 50, cfg)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, StageAwaitingDwell, s.Stage)

	// Next dwell boundary commits the next step
	s, d = Step(s, v, 70, cfg)
	assert.Equal(t, 1, d.Delta)
	assert.Equal(t, 2, s.Tap)
}

func TestTapChanger_MechanicalLongerThanDwell(t *testing.T) {
	cfg := newTestTapConfig()
	cfg.DwellTime = 10
	cfg.MechanicalDelay = 30
	s := NewTapChangerState(0, true)

	s, _ = Step(s, 117.75, 0, cfg)
	assert.Equal(t, simtime.Time(10), s.NextBoundary(0))

	s, d := Step(s, 118.5, 10, cfg)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, StageAwaitingMechanical, s.Stage)
	assert.Equal(t, simtime.Time(30), s.NextBoundary(10))

	s, d = Step(s, 118.5, 30, cfg)
	assert.Equal(t, 1, d.Delta)
	assert.Equal(t, 4, s.Tap)
}

func TestTapChanger_Idempotent(t *testing.T) {
	t.Run("repeat at commit timestep", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, false)
		s, _ = Step(s, 118, 0, cfg)
		s, _ = Step(s, 118, 30, cfg)

		first, d1 := Step(s, 118, 40, cfg)
		second, d2 := Step(first, 118, 40, cfg)

		assert.Equal(t, 1, d1.Delta)
		assert.Equal(t, 0, d2.Delta)
		assert.Equal(t, first, second)
	})

	t.Run("repeat while dwelling", func(t *testing.T) {
		cfg := newTestTapConfig()
		s := NewTapChangerState(0, false)

		first, _ := Step(s, 118, 0, cfg)
		second, _ := Step(first, 118, 0, cfg)

		assert.Equal(t, first, second)
	})

	t.Run("zero delays move once per timestep", func(t *testing.T) {
		cfg := newTestTapConfig()
		cfg.DwellTime = 0
		cfg.MechanicalDelay = 0
		s := NewTapChangerState(0, false)

		total := 0
		for range 5 {
			var d Decision
			s, d = Step(s, 118, 100, cfg)
			total += d.Delta
		}
		assert.Equal(t, 1, total)
		assert.Equal(t, 1, s.Tap)

		// Next timestep is free to move again
		s, d := Step(s, 118, 101, cfg)
		assert.Equal(t, 1, d.Delta)
		assert.Equal(t, 2, s.Tap)
	})
}

func TestTapChanger_ReturnToBandResets(t *testing.T) {
	cfg := newTestTapConfig()
	s := NewTapChangerState(0, false)

	s, _ = Step(s, 118, 0, cfg)
	s, _ = Step(s, 118, 20, cfg)
	require.Equal(t, StageAwaitingDwell, s.Stage)

	s, _ = Step(s, 120, 25, cfg)
	assert.Equal(t, StageIdle, s.Stage)
	assert.Equal(t, simtime.Never, s.DwellReady)
	assert.Equal(t, simtime.Never, s.MechanicalReady)
	assert.False(t, s.DwellElapsed)
	assert.False(t, s.MechanicalElapsed)

	// A renewed excursion starts a fresh dwell with no memory of the last one
	s, _ = Step(s, 118, 100, cfg)
	assert.Equal(t, simtime.Time(130), s.DwellReady)
	assert.Equal(t, simtime.Time(140), s.MechanicalReady)
}

func TestTapChanger_Lowering(t *testing.T) {
	cfg := newTestTapConfig()
	s := NewTapChangerState(0, false)
	const v = 122.0

	s, _ = Step(s, v, 0, cfg)
	s, _ = Step(s, v, 30, cfg)
	s, d := Step(s, v, 40, cfg)

	assert.Equal(t, -1, d.Delta)
	assert.Equal(t, -1, s.Tap)
	assert.Equal(t, -1, s.Direction)
}

func TestTapChanger_ClampsAtLimit(t *testing.T) {
	cfg := newTestTapConfig()
	cfg.RaiseLimit = 1
	s := NewTapChangerState(0, false)
	const v = 115.0

	s, _ = Step(s, v, 0, cfg)
	s, _ = Step(s, v, 30, cfg)
	s, d := Step(s, v, 40, cfg)
	require.Equal(t, 1, s.Tap)
	require.True(t, d.Committed)

	// Next commit would exceed the limit
	s, d = Step(s, v, 70, cfg)
	assert.True(t, d.Clamped)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, 1, s.Tap)
	assert.Equal(t, StageAtLimit, s.Stage)
	assert.Equal(t, simtime.Never, s.DwellReady)
	assert.Equal(t, simtime.Never, s.MechanicalReady)
	assert.Equal(t, simtime.Never, s.NextBoundary(70))

	// Still low: no further attempts
	s, d = Step(s, v, 1000, cfg)
	assert.Equal(t, 0, d.Delta)
	assert.Equal(t, StageAtLimit, s.Stage)
	assert.Equal(t, simtime.Never, s.NextBoundary(1000))

	// Deviation the other way starts a fresh dwell
	s, _ = Step(s, 125, 2000, cfg)
	assert.Equal(t, StageAwaitingDwell, s.Stage)
	assert.Equal(t, simtime.Time(2030), s.DwellReady)
}

func TestTapChanger_StaysWithinLimits(t *testing.T) {
	cfg := newTestTapConfig()
	cfg.RaiseLimit = 4
	cfg.LowerLimit = 3
	cfg.DwellTime = 2
	cfg.MechanicalDelay = 1
	r := rand.New(rand.NewPCG(1, 2))

	s := NewTapChangerState(0, true)
	for tm := range simtime.Time(5000) {
		v := 110 + r.Float64()*20
		s, _ = Step(s, v, tm, cfg)
		require.GreaterOrEqual(t, s.Tap, -3, "t=%d", tm)
		require.LessOrEqual(t, s.Tap, 4, "t=%d", tm)
	}
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "settling", StageSettling.String())
	assert.Equal(t, "awaiting_mechanical", StageAwaitingMechanical.String())
	assert.Equal(t, "at_limit", StageAtLimit.String())
	assert.Equal(t, "Stage(42)", Stage(42).String())
}
