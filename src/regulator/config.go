package regulator

import (
	"fmt"
	"strings"

	"github.com/ryansname/regctl/src/governor"
	"github.com/ryansname/regctl/src/simtime"
)

// UnspecifiedTap marks a phase whose starting tap is derived at the first evaluation
const UnspecifiedTap = 999

// ConnectionType is the winding connection of the regulator bank
type ConnectionType int

const (
	WyeWye ConnectionType = iota + 1
	OpenDeltaABBC
	OpenDeltaBCAC
	OpenDeltaCABA
	ClosedDelta
)

var connectionNames = map[ConnectionType]string{
	WyeWye:        "WYE_WYE",
	OpenDeltaABBC: "OPEN_DELTA_ABBC",
	OpenDeltaBCAC: "OPEN_DELTA_BCAC",
	OpenDeltaCABA: "OPEN_DELTA_CABA",
	ClosedDelta:   "CLOSED_DELTA",
}

func (c ConnectionType) String() string {
	if name, ok := connectionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ConnectionType(%d)", int(c))
}

// ParseConnectionType accepts the upper snake case names, case-insensitively.
func ParseConnectionType(s string) (ConnectionType, error) {
	return parseEnum(s, connectionNames, ErrUnsupportedConnection)
}

// ControlMode selects how the check voltage is obtained
type ControlMode int

const (
	Manual ControlMode = iota + 1
	LineDropComp
	OutputVoltage
	RemoteNode
)

var controlNames = map[ControlMode]string{
	Manual:        "MANUAL",
	LineDropComp:  "LINE_DROP_COMP",
	OutputVoltage: "OUTPUT_VOLTAGE",
	RemoteNode:    "REMOTE_NODE",
}

func (c ControlMode) String() string {
	if name, ok := controlNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ControlMode(%d)", int(c))
}

func ParseControlMode(s string) (ControlMode, error) {
	return parseEnum(s, controlNames, ErrInvalidControl)
}

// Automatic reports whether the tap-control state machine drives the taps.
func (c ControlMode) Automatic() bool {
	return c != Manual
}

// RegulatorType selects the tap ratio formula
type RegulatorType int

const (
	TypeA RegulatorType = iota + 1 // a = 1/(1 + tap·per)
	TypeB                          // a = 1 - tap·per
)

var typeNames = map[RegulatorType]string{
	TypeA: "A",
	TypeB: "B",
}

func (t RegulatorType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RegulatorType(%d)", int(t))
}

func ParseRegulatorType(s string) (RegulatorType, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TYPE_")
	return parseEnum(s, typeNames, ErrInvalidType)
}

func parseEnum[T comparable](s string, names map[T]string, sentinel error) (T, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for value, name := range names {
		if name == want {
			return value, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %q", sentinel, s)
}

// Configuration is the read-only description of a regulator bank
type Configuration struct {
	Name string

	Connection ConnectionType
	Control    ControlMode
	Type       RegulatorType

	RaiseTaps  int     // Highest tap position
	LowerTaps  int     // Lowest tap position, as a count below zero
	Regulation float64 // Fractional voltage change over the full raise range

	BandCenter float64 // Volts, on the check voltage base
	BandWidth  float64 // Volts

	DwellTime       simtime.Time
	MechanicalDelay simtime.Time

	PTRatio float64
	CTRatio float64 // 0 disables the compensation term

	LDCResistance [3]float64 // Ohms, per phase
	LDCReactance  [3]float64

	InitialTap [3]int // UnspecifiedTap to settle on the first evaluation
}

// DefaultConfiguration returns a 32-step wye-wye regulator with taps unspecified.
func DefaultConfiguration(name string) Configuration {
	return Configuration{
		Name:            name,
		Connection:      WyeWye,
		Control:         OutputVoltage,
		Type:            TypeB,
		RaiseTaps:       16,
		LowerTaps:       16,
		Regulation:      0.1,
		BandCenter:      120,
		BandWidth:       2,
		DwellTime:       30,
		MechanicalDelay: 5,
		PTRatio:         60,
		CTRatio:         0,
		InitialTap:      [3]int{UnspecifiedTap, UnspecifiedTap, UnspecifiedTap},
	}
}

// Validate checks the configuration for every fatal error known before the
// first evaluation.
func (c *Configuration) Validate() error {
	if _, ok := typeNames[c.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidType, c.Type)
	}

	switch c.Connection {
	case WyeWye, OpenDeltaABBC:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedConnection, c.Connection)
	}

	if _, ok := controlNames[c.Control]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidControl, c.Control)
	}
	if c.Control.Automatic() && c.Connection != WyeWye {
		return fmt.Errorf("%w: %s under %s", ErrAutomaticConnection, c.Connection, c.Control)
	}

	switch {
	case c.RaiseTaps <= 0:
		return fmt.Errorf("%w: raise tap limit must be positive, got %d", ErrInvalidConfiguration, c.RaiseTaps)
	case c.LowerTaps < 0:
		return fmt.Errorf("%w: lower tap limit must not be negative, got %d", ErrInvalidConfiguration, c.LowerTaps)
	case c.Regulation < 0:
		return fmt.Errorf("%w: regulation must not be negative", ErrInvalidConfiguration)
	case c.BandWidth < 0:
		return fmt.Errorf("%w: band width must not be negative", ErrInvalidConfiguration)
	case c.DwellTime < 0 || c.MechanicalDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfiguration)
	case c.Control == LineDropComp && c.PTRatio <= 0:
		return fmt.Errorf("%w: line drop compensation needs a positive PT ratio", ErrInvalidConfiguration)
	case c.CTRatio < 0:
		return fmt.Errorf("%w: CT ratio must not be negative", ErrInvalidConfiguration)
	}

	for i, tap := range c.InitialTap {
		if tap == UnspecifiedTap {
			continue
		}
		if tap < -c.LowerTaps || tap > c.RaiseTaps {
			return fmt.Errorf("%w: initial tap %d on phase %d, limits [-%d, %d]", ErrTapOutOfRange, tap, i, c.LowerTaps, c.RaiseTaps)
		}
	}
	return nil
}

// TapChangePer is the per-unit ratio change of one tap step.
func (c *Configuration) TapChangePer() float64 {
	return c.Regulation / float64(c.RaiseTaps)
}

// VoltsPerTap is the check voltage change of one tap step.
func (c *Configuration) VoltsPerTap() float64 {
	return c.BandCenter * c.TapChangePer()
}

// TapChanger returns the per-phase state machine parameters.
func (c *Configuration) TapChanger() governor.TapChangerConfig {
	return governor.TapChangerConfig{
		BandCenter:      c.BandCenter,
		BandWidth:       c.BandWidth,
		VoltsPerTap:     c.VoltsPerTap(),
		RaiseLimit:      c.RaiseTaps,
		LowerLimit:      c.LowerTaps,
		DwellTime:       c.DwellTime,
		MechanicalDelay: c.MechanicalDelay,
	}
}
