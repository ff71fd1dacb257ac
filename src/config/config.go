package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ryansname/regctl/src/feeder"
	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/regulator"
	"github.com/ryansname/regctl/src/simtime"
)

const (
	KindLine      = "line"
	KindRegulator = "regulator"
)

var ErrWrongKind = errors.New("configuration has the wrong kind")

type Config struct {
	LogLevel       string                     `mapstructure:"log_level"`
	Simulation     SimulationConfig           `mapstructure:"simulation"`
	Feeder         FeederConfig               `mapstructure:"feeder"`
	Configurations map[string]EquipmentConfig `mapstructure:"configurations"`
	Alarm          AlarmConfig                `mapstructure:"alarm"`
	MQTT           MQTTConfig                 `mapstructure:"mqtt"`
	Chart          ChartConfig                `mapstructure:"chart"`
	Metrics        MetricsConfig              `mapstructure:"metrics"`
	Debug          DebugConfig                `mapstructure:"debug"`
}

type SimulationConfig struct {
	Start         int64   `mapstructure:"start"`    // Seconds
	Stop          int64   `mapstructure:"stop"`     // Seconds
	MaxStep       int64   `mapstructure:"max_step"` // Longest gap between timesteps, 0 = event driven
	Pace          float64 `mapstructure:"pace"`     // Simulated seconds per wall second, 0 = unpaced
	MaxIterations int     `mapstructure:"max_iterations"`
	Tolerance     float64 `mapstructure:"tolerance"` // Volts
}

type FeederConfig struct {
	Substation SubstationConfig `mapstructure:"substation"`
	Nodes      []NodeConfig     `mapstructure:"nodes"`
	Sections   []SectionConfig  `mapstructure:"sections"`
}

type PointConfig struct {
	At    int64   `mapstructure:"at"`
	Value float64 `mapstructure:"value"`
}

type SubstationConfig struct {
	Name    string        `mapstructure:"name"`
	Node    string        `mapstructure:"node"`
	Nominal float64       `mapstructure:"nominal"` // Line-to-neutral volts
	Profile []PointConfig `mapstructure:"profile"` // Per-unit voltage schedule
}

type NodeConfig struct {
	Name        string        `mapstructure:"name"`
	Nominal     float64       `mapstructure:"nominal"`
	LoadKVA     []float64     `mapstructure:"load_kva"` // Per phase, or one value for all
	PowerFactor float64       `mapstructure:"power_factor"`
	Impedance   []float64     `mapstructure:"impedance"` // Constant-impedance load ohms
	Profile     []PointConfig `mapstructure:"profile"`   // Load multiplier schedule
}

// SectionConfig is a branch of the feeder, listed from the substation outward
type SectionConfig struct {
	Name          string `mapstructure:"name"`
	Kind          string `mapstructure:"kind"` // line or regulator
	From          string `mapstructure:"from"`
	To            string `mapstructure:"to"`
	Configuration string `mapstructure:"configuration"`
	SenseNode     string `mapstructure:"sense_node"`
}

// EquipmentConfig is a named line or regulator configuration
type EquipmentConfig struct {
	Kind string `mapstructure:"kind"`

	// Line
	Resistance float64 `mapstructure:"resistance"`
	Reactance  float64 `mapstructure:"reactance"`

	// Regulator
	Connection      string    `mapstructure:"connection"`
	Control         string    `mapstructure:"control"`
	Type            string    `mapstructure:"type"`
	RaiseTaps       int       `mapstructure:"raise_taps"`
	LowerTaps       int       `mapstructure:"lower_taps"`
	Regulation      float64   `mapstructure:"regulation"`
	BandCenter      float64   `mapstructure:"band_center"`
	BandWidth       float64   `mapstructure:"band_width"`
	DwellTime       int64     `mapstructure:"dwell_time"`
	MechanicalDelay int64     `mapstructure:"mechanical_delay"`
	PTRatio         float64   `mapstructure:"pt_ratio"`
	CTRatio         float64   `mapstructure:"ct_ratio"`
	LDCResistance   []float64 `mapstructure:"ldc_resistance"`
	LDCReactance    []float64 `mapstructure:"ldc_reactance"`
	InitialTap      []int     `mapstructure:"initial_tap"`
}

// AlarmConfig holds the voltage alarm limits. Low and High are on a Base
// volt check voltage and scale with each regulator's band center. Regulators
// lists limits in the regulator's own check voltage units, keyed by section name.
type AlarmConfig struct {
	Low        float64                `mapstructure:"low"`  // Check voltage below which the alarm raises
	High       float64                `mapstructure:"high"` // Check voltage above which the alarm raises
	Base       float64                `mapstructure:"base"`
	Regulators map[string]AlarmLimits `mapstructure:"regulators"`
}

type AlarmLimits struct {
	Low  float64 `mapstructure:"low"`
	High float64 `mapstructure:"high"`
}

// Limits returns the alarm limits for a regulator with the given band center
func (a AlarmConfig) Limits(name string, bandCenter float64) AlarmLimits {
	if l, ok := a.Regulators[strings.ToLower(name)]; ok {
		return l
	}
	scale := 1.0
	if a.Base > 0 && bandCenter > 0 {
		scale = bandCenter / a.Base
	}
	return AlarmLimits{Low: a.Low * scale, High: a.High * scale}
}

type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

type ChartConfig struct {
	Path   string  `mapstructure:"path"`   // PNG output, empty disables
	Width  float64 `mapstructure:"width"`  // Centimetres
	Height float64 `mapstructure:"height"` // Centimetres
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // Empty disables the endpoint
}

type DebugConfig struct {
	Console bool `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("simulation.start", 0)
	v.SetDefault("simulation.stop", 86400)
	v.SetDefault("simulation.max_step", 60)
	v.SetDefault("simulation.pace", 0)
	v.SetDefault("simulation.max_iterations", 100)
	v.SetDefault("simulation.tolerance", 1e-6)

	v.SetDefault("alarm.low", 114.0)
	v.SetDefault("alarm.high", 126.0)
	v.SetDefault("alarm.base", 120.0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "regctl")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("chart.path", "")
	v.SetDefault("chart.width", 24.0)
	v.SetDefault("chart.height", 12.0)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("debug.console", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("REGCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads regctl.yaml from the working directory or ./config, or the file
// named by REGCTL_CONFIG. A missing file leaves the defaults in place.
func Load() (*Config, error) {
	v := newViper()
	if path := os.Getenv("REGCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("regctl")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// Read parses YAML configuration from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	s := c.Simulation
	switch {
	case s.Stop < s.Start:
		return fmt.Errorf("simulation stop %d is before start %d", s.Stop, s.Start)
	case s.MaxStep < 0:
		return fmt.Errorf("simulation max_step must not be negative")
	case s.Pace < 0:
		return fmt.Errorf("simulation pace must not be negative")
	case s.MaxIterations <= 0:
		return fmt.Errorf("simulation max_iterations must be positive")
	case c.Alarm.Low >= c.Alarm.High:
		return fmt.Errorf("alarm low %.1f must be below high %.1f", c.Alarm.Low, c.Alarm.High)
	case c.Alarm.Base < 0:
		return fmt.Errorf("alarm base must not be negative")
	}
	for name, l := range c.Alarm.Regulators {
		if l.Low >= l.High {
			return fmt.Errorf("alarm for %s: low %.1f must be below high %.1f", name, l.Low, l.High)
		}
	}
	return nil
}

// equipment looks up a named configuration. Keys are case-insensitive.
func (c *Config) equipment(name string) (EquipmentConfig, bool) {
	e, ok := c.Configurations[strings.ToLower(name)]
	return e, ok
}

// Regulator resolves a named regulator configuration.
func (c *Config) Regulator(name string) (*regulator.Configuration, error) {
	if name == "" {
		return nil, regulator.ErrNoConfiguration
	}
	e, ok := c.equipment(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", regulator.ErrNoConfiguration, name)
	}
	if !strings.EqualFold(e.Kind, KindRegulator) {
		return nil, fmt.Errorf("%w: %q is a %s configuration", regulator.ErrInvalidConfiguration, name, e.Kind)
	}

	cfg := regulator.Configuration{
		Name:            name,
		RaiseTaps:       e.RaiseTaps,
		LowerTaps:       e.LowerTaps,
		Regulation:      e.Regulation,
		BandCenter:      e.BandCenter,
		BandWidth:       e.BandWidth,
		DwellTime:       simtime.Time(e.DwellTime),
		MechanicalDelay: simtime.Time(e.MechanicalDelay),
		PTRatio:         e.PTRatio,
		CTRatio:         e.CTRatio,
	}

	var err error
	if cfg.Connection, err = regulator.ParseConnectionType(e.Connection); err != nil {
		return nil, err
	}
	if cfg.Control, err = regulator.ParseControlMode(e.Control); err != nil {
		return nil, err
	}
	if cfg.Type, err = regulator.ParseRegulatorType(e.Type); err != nil {
		return nil, err
	}
	if cfg.LDCResistance, err = perPhase(e.LDCResistance, 0); err != nil {
		return nil, fmt.Errorf("%w: ldc_resistance: %w", regulator.ErrInvalidConfiguration, err)
	}
	if cfg.LDCReactance, err = perPhase(e.LDCReactance, 0); err != nil {
		return nil, fmt.Errorf("%w: ldc_reactance: %w", regulator.ErrInvalidConfiguration, err)
	}
	if cfg.InitialTap, err = perPhase(e.InitialTap, regulator.UnspecifiedTap); err != nil {
		return nil, fmt.Errorf("%w: initial_tap: %w", regulator.ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

// Line resolves a named line configuration to its series impedance.
func (c *Config) Line(name string) (phasor.Matrix, error) {
	e, ok := c.equipment(name)
	if !ok {
		return phasor.Matrix{}, fmt.Errorf("line configuration %q not found", name)
	}
	if !strings.EqualFold(e.Kind, KindLine) {
		return phasor.Matrix{}, fmt.Errorf("%w: %q is a %s configuration", ErrWrongKind, name, e.Kind)
	}
	z := complex(e.Resistance, e.Reactance)
	return phasor.Diag(z, z, z), nil
}

// perPhase expands an empty, single or three element list to three values.
func perPhase[T any](values []T, empty T) ([3]T, error) {
	switch len(values) {
	case 0:
		return [3]T{empty, empty, empty}, nil
	case 1:
		return [3]T{values[0], values[0], values[0]}, nil
	case 3:
		return [3]T{values[0], values[1], values[2]}, nil
	default:
		return [3]T{}, fmt.Errorf("expected 1 or 3 values, got %d", len(values))
	}
}

// Load returns the node's constant-power load in VA and its constant-impedance
// load in ohms. A missing power factor is treated as unity; loads lag.
func (n NodeConfig) Load() (power, impedance phasor.Vec, err error) {
	pf := n.PowerFactor
	if pf == 0 {
		pf = 1
	}
	if pf < 0 || pf > 1 {
		return power, impedance, fmt.Errorf("node %s: power_factor %.3f outside (0, 1]", n.Name, pf)
	}

	kva, err := perPhase(n.LoadKVA, 0)
	if err != nil {
		return power, impedance, fmt.Errorf("node %s: load_kva: %w", n.Name, err)
	}
	z, err := perPhase(n.Impedance, 0)
	if err != nil {
		return power, impedance, fmt.Errorf("node %s: impedance: %w", n.Name, err)
	}

	q := math.Sqrt(1 - pf*pf)
	for p := range 3 {
		power[p] = complex(kva[p]*1000*pf, kva[p]*1000*q)
		impedance[p] = complex(z[p], 0)
	}
	return power, impedance, nil
}

// Schedule converts profile points to a feeder profile.
func Schedule(def float64, points []PointConfig) feeder.Profile {
	converted := make([]feeder.Point, len(points))
	for i, p := range points {
		converted[i] = feeder.Point{At: simtime.Time(p.At), Value: p.Value}
	}
	return feeder.NewProfile(def, converted...)
}
