// Package regulator models an automatic three-phase step voltage regulator
// as a network link: it senses a check voltage, runs one tap-control state
// machine per phase, and rebuilds its transform whenever a tap moves.
package regulator

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/feeder"
	"github.com/ryansname/regctl/src/governor"
	"github.com/ryansname/regctl/src/metrics"
	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// Regulator is a feeder link whose transform follows its tap positions
type Regulator struct {
	*feeder.Link

	Config    *Configuration
	SenseNode *feeder.Node // Required under REMOTE_NODE control

	log         logrus.FieldLogger
	phases      [3]governor.TapChangerState
	transform   Transform
	check       phasor.Vec
	next        simtime.Time
	initialized bool
	err         error // Sticky configuration error
}

// PhaseStatus is the externally visible state of one phase
type PhaseStatus struct {
	Tap             int
	Stage           governor.Stage
	CheckVoltage    float64
	DwellReady      simtime.Time
	MechanicalReady simtime.Time
}

// Status is a point-in-time view of a regulator
type Status struct {
	Name    string
	Control ControlMode
	Phases  [3]PhaseStatus
	Next    simtime.Time
	Err     error
}

// New creates a regulator between from and to. A nil logger discards output.
func New(name string, from, to *feeder.Node, cfg *Configuration, log logrus.FieldLogger) *Regulator {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Regulator{
		Link:   feeder.NewLink(name, from, to),
		Config: cfg,
		log:    log.WithField("regulator", name),
		next:   simtime.Never,
	}
}

// Init validates the configuration, seeds the tap positions and builds the
// initial transform. Any failure is permanent for this regulator.
func (r *Regulator) Init() error {
	if r.err != nil {
		return r.err
	}
	if err := r.Link.Init(); err != nil {
		return err
	}
	if r.Config == nil {
		return r.fail(ErrNoConfiguration)
	}
	if err := r.Config.Validate(); err != nil {
		return r.fail(err)
	}
	if r.Config.Control == RemoteNode && r.SenseNode == nil {
		return r.fail(ErrNoSenseNode)
	}

	for i, tap := range r.Config.InitialTap {
		settle := tap == UnspecifiedTap
		if settle {
			tap = 0
		}
		r.phases[i] = governor.NewTapChangerState(tap, settle && r.Config.Control.Automatic())
	}
	if err := r.rebuild(); err != nil {
		return r.fail(err)
	}

	r.next = simtime.Never
	r.initialized = true
	r.publishTaps()
	r.log.WithFields(logrus.Fields{
		"connection": r.Config.Connection,
		"control":    r.Config.Control,
		"type":       r.Config.Type,
		"taps":       r.Taps(),
	}).Info("Regulator initialized")
	return nil
}

// Presync senses the check voltage, steps each phase's tap changer and
// rebuilds the transform if any tap moved. While a timer is pending it asks
// the host to iterate again at t0 and not to advance past the next boundary.
func (r *Regulator) Presync(t0 simtime.Time) (simtime.Outcome, error) {
	if r.err != nil {
		return simtime.AdvanceTo(simtime.Never), r.err
	}
	if !r.initialized {
		return simtime.AdvanceTo(simtime.Never), ErrNotInitialized
	}

	if r.Config.Control.Automatic() && r.Config.Connection != WyeWye {
		return simtime.AdvanceTo(simtime.Never), r.fail(fmt.Errorf("%w: %s under %s", ErrAutomaticConnection, r.Config.Connection, r.Config.Control))
	}

	if r.Config.Control.Automatic() {
		if err := r.evaluate(t0); err != nil {
			return simtime.AdvanceTo(simtime.Never), r.fail(err)
		}
	} else {
		// Taps are set externally; keep the ratio in step with them
		if err := r.rebuild(); err != nil {
			return simtime.AdvanceTo(simtime.Never), r.fail(err)
		}
		r.next = simtime.Never
	}

	link, err := r.Link.Presync(t0)
	if err != nil {
		return link, err
	}
	return r.outcome(link.At), nil
}

func (r *Regulator) Sync(t0 simtime.Time) (simtime.Outcome, error) {
	if r.err != nil {
		return simtime.AdvanceTo(simtime.Never), r.err
	}
	return r.Link.Sync(t0)
}

func (r *Regulator) Postsync(t0 simtime.Time) (simtime.Outcome, error) {
	if r.err != nil {
		return simtime.AdvanceTo(simtime.Never), r.err
	}
	return r.Link.Postsync(t0)
}

// SetTap moves one phase under manual control. The transform is rebuilt immediately.
func (r *Regulator) SetTap(phase, tap int) error {
	if r.err != nil {
		return r.err
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	if r.Config.Control.Automatic() {
		return fmt.Errorf("%w: %s is under %s", ErrNotManual, r.Name(), r.Config.Control)
	}
	if phase < 0 || phase > 2 {
		return fmt.Errorf("invalid phase %d", phase)
	}
	if tap < -r.Config.LowerTaps || tap > r.Config.RaiseTaps {
		return fmt.Errorf("%w: %d, limits [-%d, %d]", ErrTapOutOfRange, tap, r.Config.LowerTaps, r.Config.RaiseTaps)
	}

	previous := r.phases[phase].Tap
	r.phases[phase].Tap = tap
	if err := r.rebuild(); err != nil {
		r.phases[phase].Tap = previous
		return err
	}
	if tap != previous {
		metrics.TapOperations.WithLabelValues(r.Name(), phasor.Names[phase], "manual").Inc()
		r.log.WithFields(logrus.Fields{"phase": phasor.Names[phase], "tap": tap}).Info("Manual tap change")
	}
	r.publishTaps()
	return nil
}

// Taps returns the current tap positions.
func (r *Regulator) Taps() [3]int {
	var taps [3]int
	for i, p := range r.phases {
		taps[i] = p.Tap
	}
	return taps
}

// Transform returns the transform for the current taps.
func (r *Regulator) Transform() Transform {
	return r.transform
}

// CheckVoltage returns the last sensed check voltage.
func (r *Regulator) CheckVoltage() phasor.Vec {
	return r.check
}

// Err returns the configuration error that disabled the regulator, if any.
func (r *Regulator) Err() error {
	return r.err
}

func (r *Regulator) Status() Status {
	s := Status{
		Name: r.Name(),
		Next: r.next,
		Err:  r.err,
	}
	if r.Config != nil {
		s.Control = r.Config.Control
	}
	mags := r.check.Magnitudes()
	for i, p := range r.phases {
		s.Phases[i] = PhaseStatus{
			Tap:             p.Tap,
			Stage:           p.Stage,
			CheckVoltage:    mags[i],
			DwellReady:      p.DwellReady,
			MechanicalReady: p.MechanicalReady,
		}
	}
	return s
}

func (r *Regulator) evaluate(t0 simtime.Time) error {
	check, err := Sense(r.Config, SensorInputs{
		Terminal:  r.TerminalVoltage(),
		CurrentIn: r.CurrentIn,
		Remote:    r.remoteVoltage(),
		D:         r.transform.D,
	})
	if err != nil {
		return err
	}
	r.check = check

	params := r.Config.TapChanger()
	mags := check.Magnitudes()
	next := simtime.Never
	moved := false
	for i := range r.phases {
		state, d := governor.Step(r.phases[i], mags[i], t0, params)
		r.phases[i] = state
		r.record(i, t0, mags[i], d)
		moved = moved || d.Delta != 0
		next = min(next, state.NextBoundary(t0))
	}

	if moved {
		if err := r.rebuild(); err != nil {
			return err
		}
		r.publishTaps()
	}
	r.next = next
	return nil
}

func (r *Regulator) record(phase int, t0 simtime.Time, v float64, d governor.Decision) {
	name := phasor.Names[phase]
	metrics.CheckVoltage.WithLabelValues(r.Name(), name).Set(v)
	if d == (governor.Decision{}) {
		return
	}

	log := r.log.WithFields(logrus.Fields{
		"phase": name,
		"tap":   r.phases[phase].Tap,
		"t":     t0,
		"v":     v,
	})
	switch {
	case d.Settled:
		metrics.TapOperations.WithLabelValues(r.Name(), name, "settle").Inc()
		log.WithField("delta", d.Delta).Info("Settling tap toward band center")
	case d.Committed:
		metrics.TapOperations.WithLabelValues(r.Name(), name, "commit").Inc()
		log.WithField("delta", d.Delta).Info("Tap change")
	case d.Clamped:
		metrics.TapClamps.WithLabelValues(r.Name(), name).Inc()
		log.Warn("Tap limit reached")
	}
}

// outcome merges the link's own next event with the tap changers' next boundary.
func (r *Regulator) outcome(linkNext simtime.Time) simtime.Outcome {
	switch {
	case linkNext <= r.next:
		return simtime.AdvanceTo(linkNext)
	case !r.next.IsNever():
		metrics.Retries.WithLabelValues(r.Name()).Inc()
		r.log.WithField("next", r.next).Debug("Timer pending, retrying")
		return simtime.RetryAt(r.next)
	default:
		return simtime.AdvanceTo(simtime.Never)
	}
}

func (r *Regulator) rebuild() error {
	t, err := BuildTransform(r.Config, r.Taps())
	if err != nil {
		return err
	}
	r.transform = t
	r.Link.A = t.A
	r.Link.D = t.D
	return nil
}

func (r *Regulator) remoteVoltage() phasor.Vec {
	if r.SenseNode == nil {
		return phasor.Vec{}
	}
	return r.SenseNode.Voltage
}

func (r *Regulator) publishTaps() {
	for i, tap := range r.Taps() {
		metrics.TapPosition.WithLabelValues(r.Name(), phasor.Names[i]).Set(float64(tap))
	}
}

// fail records err as the regulator's permanent configuration error.
func (r *Regulator) fail(err error) error {
	var ce *ConfigError
	if !errors.As(err, &ce) {
		ce = &ConfigError{Object: r.Name(), Err: err}
	}
	r.err = ce
	metrics.ConfigErrors.WithLabelValues(r.Name()).Inc()
	r.log.WithError(err).Error("Regulator disabled")
	return ce
}
