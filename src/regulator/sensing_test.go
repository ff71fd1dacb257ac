package regulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/regctl/src/phasor"
)

func TestSense(t *testing.T) {
	terminal := phasor.Vec{7200, 7100, 7000}
	remote := phasor.Vec{118, 119, 120}
	in := SensorInputs{
		Terminal:  terminal,
		CurrentIn: phasor.Vec{100, 50, 0},
		Remote:    remote,
		D:         phasor.Identity(),
	}

	t.Run("output voltage reads the terminal", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = OutputVoltage
		v, err := Sense(&cfg, in)
		require.NoError(t, err)
		assert.Equal(t, terminal, v)
	})

	t.Run("remote node reads the sense node", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = RemoteNode
		v, err := Sense(&cfg, in)
		require.NoError(t, err)
		assert.Equal(t, remote, v)
	})

	t.Run("manual senses nothing", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = Manual
		v, err := Sense(&cfg, in)
		require.NoError(t, err)
		assert.Equal(t, phasor.Vec{}, v)
	})

	t.Run("line drop compensation without CT scales by PT", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = LineDropComp
		cfg.PTRatio = 60
		cfg.CTRatio = 0
		cfg.LDCResistance = [3]float64{3, 3, 3}

		v, err := Sense(&cfg, in)
		require.NoError(t, err)
		assert.InDelta(t, 120, real(v[0]), 1e-9)
		assert.InDelta(t, 7000.0/60.0, real(v[2]), 1e-9)
	})

	t.Run("line drop compensation subtracts the impedance drop", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = LineDropComp
		cfg.PTRatio = 60
		cfg.CTRatio = 100
		cfg.LDCResistance = [3]float64{3, 3, 3}
		cfg.LDCReactance = [3]float64{9, 9, 9}

		v, err := Sense(&cfg, in)
		require.NoError(t, err)

		// 1A through 3+j9 ohm
		assert.InDelta(t, 117, real(v[0]), 1e-9)
		assert.InDelta(t, -9, imag(v[0]), 1e-9)
		// Phase C carries no current
		assert.InDelta(t, 7000.0/60.0, real(v[2]), 1e-9)
		assert.InDelta(t, 0, imag(v[2]), 1e-9)
	})

	t.Run("line drop compensation maps through the regulator", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = LineDropComp
		cfg.PTRatio = 60
		cfg.CTRatio = 100
		cfg.LDCResistance = [3]float64{3, 3, 3}

		// Output current is half the input current
		scaled := in
		scaled.D = phasor.Diag(2, 2, 2)
		v, err := Sense(&cfg, scaled)
		require.NoError(t, err)
		assert.InDelta(t, 120-1.5, real(v[0]), 1e-9)
	})

	t.Run("line drop compensation needs an invertible transform", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = LineDropComp
		singular := in
		singular.D = phasor.Matrix{}
		_, err := Sense(&cfg, singular)
		assert.ErrorIs(t, err, phasor.ErrSingular)
	})

	t.Run("unknown control fails", func(t *testing.T) {
		cfg := DefaultConfiguration("reg")
		cfg.Control = 0
		_, err := Sense(&cfg, in)
		assert.ErrorIs(t, err, ErrInvalidControl)
	})
}
