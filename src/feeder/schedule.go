package feeder

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// Point is one step of a piecewise-constant profile
type Point struct {
	At    simtime.Time
	Value float64
}

// Profile is a piecewise-constant schedule. Before the first point it holds Default.
type Profile struct {
	Default float64
	Points  []Point
}

// NewProfile returns a profile with points sorted by time.
func NewProfile(def float64, points ...Point) Profile {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b Point) int {
		return cmp.Compare(a.At, b.At)
	})
	return Profile{Default: def, Points: sorted}
}

// At returns the value in effect at t.
func (p Profile) At(t simtime.Time) float64 {
	value := p.Default
	for _, pt := range p.Points {
		if pt.At > t {
			break
		}
		value = pt.Value
	}
	return value
}

// NextChange returns the first point strictly after t, or Never.
func (p Profile) NextChange(t simtime.Time) simtime.Time {
	for _, pt := range p.Points {
		if pt.At > t {
			return pt.At
		}
	}
	return simtime.Never
}

// Substation drives a source node at a scheduled per-unit voltage
type Substation struct {
	name    string
	Node    *Node
	Profile Profile // Per-unit of Node.Nominal
}

func NewSubstation(name string, node *Node, profile Profile) *Substation {
	return &Substation{name: name, Node: node, Profile: profile}
}

func (s *Substation) Name() string {
	return s.name
}

func (s *Substation) Init() error {
	if s.Node == nil {
		return fmt.Errorf("%w: substation %s has no node", ErrTopology, s.name)
	}
	return nil
}

func (s *Substation) Presync(t0 simtime.Time) (simtime.Outcome, error) {
	s.Node.Voltage = phasor.Balanced(s.Node.Nominal * s.Profile.At(t0))
	return simtime.AdvanceTo(s.Profile.NextChange(t0)), nil
}

func (s *Substation) Sync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

func (s *Substation) Postsync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

// Load scales a node's base load by a schedule
type Load struct {
	name    string
	Node    *Node
	Profile Profile
}

func NewLoad(name string, node *Node, profile Profile) *Load {
	return &Load{name: name, Node: node, Profile: profile}
}

func (l *Load) Name() string {
	return l.name
}

func (l *Load) Init() error {
	if l.Node == nil {
		return fmt.Errorf("%w: load %s has no node", ErrTopology, l.name)
	}
	return nil
}

func (l *Load) Presync(t0 simtime.Time) (simtime.Outcome, error) {
	l.Node.scale = l.Profile.At(t0)
	return simtime.AdvanceTo(l.Profile.NextChange(t0)), nil
}

func (l *Load) Sync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

func (l *Load) Postsync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}
