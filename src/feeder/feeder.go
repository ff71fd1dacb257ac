package feeder

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/metrics"
	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

var (
	ErrTopology      = errors.New("feeder: invalid topology")
	ErrNoConvergence = errors.New("feeder: no convergence")
)

const (
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-6 // Volts
)

// Object is anything the host steps. Presync runs top-down before the sweep,
// Sync bottom-up (backward sweep), Postsync top-down (forward sweep).
type Object interface {
	Name() string
	Init() error
	Presync(t0 simtime.Time) (simtime.Outcome, error)
	Sync(t0 simtime.Time) (simtime.Outcome, error)
	Postsync(t0 simtime.Time) (simtime.Outcome, error)
}

// branch is implemented by objects that connect two nodes
type branch interface {
	Ends() (from, to *Node)
}

// Snapshot is the settled state of the network after a timestep
type Snapshot struct {
	Time       simtime.Time
	Iterations int
	Voltages   map[string]phasor.Vec
}

// Feeder owns a radial network and steps its objects.
// Objects must be added in order from the source outward.
type Feeder struct {
	objects []Object
	nodes   []*Node

	MaxIterations int
	Tolerance     float64

	log        logrus.FieldLogger
	iterations int
}

// New creates an empty feeder. A nil logger discards output.
func New(log logrus.FieldLogger) *Feeder {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Feeder{
		MaxIterations: DefaultMaxIterations,
		Tolerance:     DefaultTolerance,
		log:           log,
	}
}

// AddNode registers a node and returns it.
func (f *Feeder) AddNode(n *Node) *Node {
	f.nodes = append(f.nodes, n)
	return n
}

// Add appends an object to the step order.
func (f *Feeder) Add(o Object) {
	f.objects = append(f.objects, o)
}

// Node returns the node with the given name, or nil.
func (f *Feeder) Node(name string) *Node {
	for _, n := range f.nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

func (f *Feeder) Objects() []Object {
	return f.objects
}

func (f *Feeder) Nodes() []*Node {
	return f.nodes
}

// Init initializes every object in order and checks that each branch is fed
// from a node that an earlier object already energizes.
func (f *Feeder) Init() error {
	energized := make(map[*Node]bool)
	for _, o := range f.objects {
		if err := o.Init(); err != nil {
			return fmt.Errorf("init %s: %w", o.Name(), err)
		}

		switch obj := o.(type) {
		case *Substation:
			energized[obj.Node] = true
		case branch:
			from, to := obj.Ends()
			if !energized[from] {
				return fmt.Errorf("%w: %s is fed from %s which has no upstream source", ErrTopology, o.Name(), from.Name)
			}
			if to == nil {
				continue
			}
			if energized[to] {
				return fmt.Errorf("%w: %s feeds %s which is already energized", ErrTopology, o.Name(), to.Name)
			}
			energized[to] = true
		}
	}
	return nil
}

// Step solves timestep t0. Passes repeat at t0 until the voltages converge
// and no object asks to retry with something still changing. It returns the
// earliest time any object needs to run again.
func (f *Feeder) Step(t0 simtime.Time) (simtime.Time, error) {
	var previous []simtime.Outcome

	for iteration := 1; iteration <= f.MaxIterations; iteration++ {
		metrics.SolverIterations.Inc()
		before := f.voltages()
		outcomes := make([]simtime.Outcome, 0, 3*len(f.objects))

		for _, o := range f.objects {
			out, err := o.Presync(t0)
			if err != nil {
				return simtime.Never, fmt.Errorf("presync %s at %s: %w", o.Name(), t0, err)
			}
			outcomes = append(outcomes, out)
		}

		for _, n := range f.nodes {
			n.resetFlow()
		}
		for i := len(f.objects) - 1; i >= 0; i-- {
			o := f.objects[i]
			out, err := o.Sync(t0)
			if err != nil {
				return simtime.Never, fmt.Errorf("sync %s at %s: %w", o.Name(), t0, err)
			}
			outcomes = append(outcomes, out)
		}

		for _, o := range f.objects {
			out, err := o.Postsync(t0)
			if err != nil {
				return simtime.Never, fmt.Errorf("postsync %s at %s: %w", o.Name(), t0, err)
			}
			outcomes = append(outcomes, out)
		}

		converged := maxDiff(before, f.voltages()) <= f.Tolerance
		retry := slices.ContainsFunc(outcomes, simtime.Outcome.IsRetry)
		if converged && (!retry || slices.Equal(outcomes, previous)) {
			f.iterations = iteration
			metrics.IterationsPerStep.Observe(float64(iteration))
			metrics.SimulationTime.Set(float64(t0))
			next := nextTime(outcomes)
			f.log.WithFields(logrus.Fields{
				"t":          t0,
				"iterations": iteration,
				"next":       next,
			}).Debug("Timestep settled")
			return next, nil
		}
		previous = outcomes
	}

	metrics.NonConvergence.Inc()
	return simtime.Never, fmt.Errorf("%w at %s after %d iterations", ErrNoConvergence, t0, f.MaxIterations)
}

// Snapshot captures the node voltages after the last Step.
func (f *Feeder) Snapshot(t0 simtime.Time) Snapshot {
	s := Snapshot{
		Time:       t0,
		Iterations: f.iterations,
		Voltages:   make(map[string]phasor.Vec, len(f.nodes)),
	}
	for _, n := range f.nodes {
		s.Voltages[n.Name] = n.Voltage
	}
	return s
}

// Run steps from start until no object has a pending event or stop is passed.
// maxStep > 0 caps the gap between timesteps so quiet periods are still sampled.
func (f *Feeder) Run(start, stop, maxStep simtime.Time, fn func(Snapshot) error) error {
	t := start
	for t <= stop {
		next, err := f.Step(t)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(f.Snapshot(t)); err != nil {
				return err
			}
		}

		if maxStep > 0 {
			next = min(next, t.Add(maxStep))
		}
		if next.IsNever() {
			return nil
		}
		t = max(next, t+1)
	}
	return nil
}

func (f *Feeder) voltages() []phasor.Vec {
	v := make([]phasor.Vec, len(f.nodes))
	for i, n := range f.nodes {
		v[i] = n.Voltage
	}
	return v
}

func maxDiff(a, b []phasor.Vec) float64 {
	var d float64
	for i := range a {
		d = max(d, a[i].MaxDiff(b[i]))
	}
	return d
}

func nextTime(outcomes []simtime.Outcome) simtime.Time {
	next := simtime.Never
	for _, o := range outcomes {
		next = min(next, o.At)
	}
	return next
}
