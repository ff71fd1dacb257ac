package regulator

import (
	"fmt"

	"github.com/ryansname/regctl/src/phasor"
)

// Fixed structural matrices of the open-delta derivation
var (
	deltaD = phasor.Matrix{
		{1, -1, 0},
		{0, 1, -1},
		{-1, 0, 1},
	}
	deltaW = phasor.Matrix{
		{2, 1, 0},
		{0, 2, 1},
		{1, 0, 2},
	}.Scale(complex(1.0/3.0, 0))
)

// Transform is the electrical model of the regulator at a set of tap positions.
//
//	V_to = A·V_from
//	I_in = D·I_out
type Transform struct {
	Ratio phasor.Matrix // a: per-phase tap ratio, V_from = a·V_to
	D     phasor.Matrix
	A     phasor.Matrix
}

// TapRatio returns the voltage ratio of one phase at tap.
func TapRatio(t RegulatorType, tap int, per float64) (complex128, error) {
	step := float64(tap) * per
	switch t {
	case TypeA:
		if 1+step == 0 {
			return 0, fmt.Errorf("%w: tap %d removes the winding", phasor.ErrSingular, tap)
		}
		return complex(1/(1+step), 0), nil
	case TypeB:
		return complex(1-step, 0), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidType, t)
	}
}

// BuildTransform derives the transform matrices for taps.
func BuildTransform(cfg *Configuration, taps [3]int) (Transform, error) {
	var t Transform
	per := cfg.TapChangePer()
	for i := range 3 {
		r, err := TapRatio(cfg.Type, taps[i], per)
		if err != nil {
			return Transform{}, err
		}
		if r == 0 {
			return Transform{}, fmt.Errorf("%w: zero tap ratio on phase %s at tap %d", phasor.ErrSingular, phasor.Names[i], taps[i])
		}
		t.Ratio[i][i] = r
	}

	switch cfg.Connection {
	case WyeWye:
		inv, err := t.Ratio.Inverse()
		if err != nil {
			return Transform{}, err
		}
		t.A = inv
		t.D = inv

	case OpenDeltaABBC:
		a00, a11 := t.Ratio[0][0], t.Ratio[1][1]
		t.D = phasor.Matrix{
			{1 / a00, 0, 0},
			{-1 / a00, 0, -1 / a11},
			{0, 0, 1 / a11},
		}
		t.Ratio[2][0] = -a00
		t.Ratio[2][1] = -a11
		t.Ratio[2][2] = 0

		tmp := phasor.Matrix{
			{1 / a00, 0, 0},
			{0, 1 / a11, 0},
			{-1 / a00, -1 / a11, 0},
		}
		t.A = deltaW.Mul(tmp).Mul(deltaD)

	default:
		return Transform{}, fmt.Errorf("%w: %s", ErrUnsupportedConnection, cfg.Connection)
	}
	return t, nil
}
