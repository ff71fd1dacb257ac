// Package feeder is a small radial distribution network host: three-phase
// nodes, two-port links solved by forward/backward sweep, source and load
// schedules, and the iteration loop that runs each object's presync, sync and
// postsync passes until a timestep settles.
package feeder

import (
	"math/cmplx"

	"github.com/ryansname/regctl/src/phasor"
)

// Node is a three-phase bus with an optional wye-connected load
type Node struct {
	Name    string
	Nominal float64    // Line-to-neutral voltage magnitude (V)
	Voltage phasor.Vec // Current solution

	Power     phasor.Vec // Constant-power load per phase (VA)
	Impedance phasor.Vec // Constant-impedance load per phase (ohm), 0 = none

	scale float64    // Load multiplier set by a Load schedule
	flow  phasor.Vec // Current drawn by downstream links this sweep
}

// NewNode returns an unloaded node at balanced nominal voltage.
func NewNode(name string, nominal float64) *Node {
	return &Node{
		Name:    name,
		Nominal: nominal,
		Voltage: phasor.Balanced(nominal),
		scale:   1,
	}
}

// LoadCurrent returns the current drawn by the node's own load at its present voltage.
func (n *Node) LoadCurrent() phasor.Vec {
	var i phasor.Vec
	for p := range 3 {
		v := n.Voltage[p]
		if v == 0 {
			continue
		}
		if n.Power[p] != 0 {
			i[p] += cmplx.Conj(n.Power[p] * complex(n.scale, 0) / v)
		}
		if n.Impedance[p] != 0 {
			i[p] += v * complex(n.scale, 0) / n.Impedance[p]
		}
	}
	return i
}

// Demand returns the total current leaving the node: its load plus every
// downstream link already swept in the current backward pass.
func (n *Node) Demand() phasor.Vec {
	return n.LoadCurrent().Add(n.flow)
}

// Scale returns the load multiplier in effect.
func (n *Node) Scale() float64 {
	return n.scale
}

func (n *Node) resetFlow() {
	n.flow = phasor.Vec{}
}

func (n *Node) addFlow(i phasor.Vec) {
	n.flow = n.flow.Add(i)
}
