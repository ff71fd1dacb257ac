package feeder

import (
	"errors"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// fakeObject returns a fixed presync outcome and counts calls
type fakeObject struct {
	name    string
	outcome simtime.Outcome
	err     error
	calls   int
}

func (f *fakeObject) Name() string { return f.name }
func (f *fakeObject) Init() error  { return nil }

func (f *fakeObject) Presync(t0 simtime.Time) (simtime.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

func (f *fakeObject) Sync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

func (f *fakeObject) Postsync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

func newTestFeeder() (*Feeder, *Node, *Node) {
	f := New(nil)
	src := f.AddNode(NewNode("src", 120))
	load := f.AddNode(NewNode("load", 120))
	load.Impedance = phasor.Vec{10, 10, 10}

	f.Add(NewSubstation("sub", src, NewProfile(1)))
	f.Add(NewLine("line", src, load, phasor.Diag(1, 1, 1)))
	return f, src, load
}

func TestProfile(t *testing.T) {
	p := NewProfile(1.0,
		Point{At: 200, Value: 0.95},
		Point{At: 100, Value: 1.05},
	)

	assert.Equal(t, 1.0, p.At(0))
	assert.Equal(t, 1.05, p.At(100))
	assert.Equal(t, 1.05, p.At(199))
	assert.Equal(t, 0.95, p.At(5000))

	assert.Equal(t, simtime.Time(100), p.NextChange(0))
	assert.Equal(t, simtime.Time(200), p.NextChange(100))
	assert.Equal(t, simtime.Never, p.NextChange(200))
}

func TestNode_LoadCurrent(t *testing.T) {
	n := NewNode("n", 120)
	n.Power = phasor.Vec{1200, 1200, 1200}
	i := n.LoadCurrent()
	assert.InDelta(t, 10, cmplx.Abs(i[0]), 1e-9)

	// Unity power factor load current is in phase with the voltage
	assert.InDelta(t, cmplx.Phase(n.Voltage[1]), cmplx.Phase(i[1]), 1e-9)

	n.Voltage = phasor.Vec{}
	assert.Equal(t, phasor.Vec{}, n.LoadCurrent())
}

func TestFeeder_LineVoltageDrop(t *testing.T) {
	f, _, load := newTestFeeder()
	require.NoError(t, f.Init())

	next, err := f.Step(0)
	require.NoError(t, err)
	assert.Equal(t, simtime.Never, next)

	// 1 ohm line into a 10 ohm load
	for _, mag := range load.Voltage.Magnitudes() {
		assert.InDelta(t, 120*10.0/11.0, mag, 1e-4)
	}
	assert.Greater(t, f.Snapshot(0).Iterations, 1)
}

func TestFeeder_NoConvergence(t *testing.T) {
	f, _, _ := newTestFeeder()
	f.MaxIterations = 2
	require.NoError(t, f.Init())

	_, err := f.Step(0)
	assert.ErrorIs(t, err, ErrNoConvergence)
}

func TestFeeder_InitTopology(t *testing.T) {
	t.Run("link before its source", func(t *testing.T) {
		f := New(nil)
		a := f.AddNode(NewNode("a", 120))
		b := f.AddNode(NewNode("b", 120))
		f.Add(NewLink("ab", a, b))
		f.Add(NewSubstation("sub", a, NewProfile(1)))

		assert.ErrorIs(t, f.Init(), ErrTopology)
	})

	t.Run("node fed twice", func(t *testing.T) {
		f := New(nil)
		a := f.AddNode(NewNode("a", 120))
		b := f.AddNode(NewNode("b", 120))
		f.Add(NewSubstation("sub", a, NewProfile(1)))
		f.Add(NewLink("ab1", a, b))
		f.Add(NewLink("ab2", a, b))

		assert.ErrorIs(t, f.Init(), ErrTopology)
	})

	t.Run("open ended link", func(t *testing.T) {
		f := New(nil)
		a := f.AddNode(NewNode("a", 120))
		f.Add(NewSubstation("sub", a, NewProfile(1)))
		l := NewLink("stub", a, nil)
		f.Add(l)

		require.NoError(t, f.Init())
		_, err := f.Step(0)
		require.NoError(t, err)
		assert.Equal(t, phasor.Vec{}, l.TerminalVoltage())
	})
}

func TestFeeder_RetryReachesFixedPoint(t *testing.T) {
	f, _, _ := newTestFeeder()
	obj := &fakeObject{name: "timer", outcome: simtime.RetryAt(50)}
	f.Add(obj)
	require.NoError(t, f.Init())

	next, err := f.Step(0)
	require.NoError(t, err)
	assert.Equal(t, simtime.Time(50), next)
	// The retry needs one repeat with identical outcomes before it is accepted
	assert.Equal(t, f.Snapshot(0).Iterations, obj.calls)
	assert.GreaterOrEqual(t, obj.calls, 2)
}

func TestFeeder_ErrorNamesPassAndObject(t *testing.T) {
	f, _, _ := newTestFeeder()
	boom := errors.New("boom")
	f.Add(&fakeObject{name: "broken", err: boom})
	require.NoError(t, f.Init())

	_, err := f.Step(42)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "presync broken at 42s")
}

func TestFeeder_RunFollowsEvents(t *testing.T) {
	f := New(nil)
	src := f.AddNode(NewNode("src", 120))
	f.Add(NewSubstation("sub", src, NewProfile(1, Point{At: 100, Value: 0.9}, Point{At: 250, Value: 1})))
	require.NoError(t, f.Init())

	var times []simtime.Time
	err := f.Run(0, 1000, 0, func(s Snapshot) error {
		times = append(times, s.Time)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []simtime.Time{0, 100, 250}, times)
	assert.InDelta(t, 120, cmplx.Abs(src.Voltage[0]), 1e-9)
}

func TestFeeder_RunMaxStepSamplesQuietPeriods(t *testing.T) {
	f := New(nil)
	src := f.AddNode(NewNode("src", 120))
	f.Add(NewSubstation("sub", src, NewProfile(1, Point{At: 100, Value: 0.9})))
	require.NoError(t, f.Init())

	var times []simtime.Time
	err := f.Run(0, 200, 60, func(s Snapshot) error {
		times = append(times, s.Time)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []simtime.Time{0, 60, 100, 160}, times)
}
