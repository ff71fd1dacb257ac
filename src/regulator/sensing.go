package regulator

import (
	"fmt"

	"github.com/ryansname/regctl/src/phasor"
)

// SensorInputs is a read-only snapshot of the network around the regulator
type SensorInputs struct {
	Terminal  phasor.Vec    // Voltage at the to node
	CurrentIn phasor.Vec    // Current entering the regulator
	Remote    phasor.Vec    // Voltage at the remote sensing node
	D         phasor.Matrix // Current transform of the regulator
}

// Sense returns the check voltage for the configured control mode.
// Manual control senses nothing and returns zeros.
func Sense(cfg *Configuration, in SensorInputs) (phasor.Vec, error) {
	switch cfg.Control {
	case Manual:
		return phasor.Vec{}, nil

	case LineDropComp:
		dInv, err := in.D.Inverse()
		if err != nil {
			return phasor.Vec{}, fmt.Errorf("line drop compensation: %w", err)
		}
		current := dInv.MulVec(in.CurrentIn)
		check := in.Terminal.Scale(complex(1/cfg.PTRatio, 0))
		if cfg.CTRatio == 0 {
			return check, nil
		}
		for i := range 3 {
			z := complex(cfg.LDCResistance[i], cfg.LDCReactance[i])
			check[i] -= current[i] / complex(cfg.CTRatio, 0) * z
		}
		return check, nil

	case OutputVoltage:
		return in.Terminal, nil

	case RemoteNode:
		return in.Remote, nil

	default:
		return phasor.Vec{}, fmt.Errorf("%w: %s", ErrInvalidControl, cfg.Control)
	}
}
