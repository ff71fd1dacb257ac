package feeder

import (
	"fmt"

	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// Link is a generic two-port branch between two nodes.
//
//	V_to = A·V_from − B·I_out
//	I_in = C·V_to + D·I_out
type Link struct {
	name     string
	From, To *Node

	A, B, C, D phasor.Matrix

	CurrentIn  phasor.Vec // Current entering at the from end
	CurrentOut phasor.Vec // Current leaving at the to end
}

// NewLink returns an ideal pass-through link.
func NewLink(name string, from, to *Node) *Link {
	return &Link{
		name: name,
		From: from,
		To:   to,
		A:    phasor.Identity(),
		D:    phasor.Identity(),
	}
}

// NewLine returns a series impedance branch.
func NewLine(name string, from, to *Node, z phasor.Matrix) *Link {
	l := NewLink(name, from, to)
	l.B = z
	return l
}

func (l *Link) Name() string {
	return l.name
}

// Ends returns the link's from and to nodes.
func (l *Link) Ends() (from, to *Node) {
	return l.From, l.To
}

func (l *Link) Init() error {
	if l.From == nil {
		return fmt.Errorf("%w: link %s has no from node", ErrTopology, l.name)
	}
	return nil
}

func (l *Link) Presync(t0 simtime.Time) (simtime.Outcome, error) {
	return simtime.AdvanceTo(simtime.Never), nil
}

// Sync is the backward sweep: it collects the downstream demand and pushes
// the resulting inbound current onto the from node.
func (l *Link) Sync(t0 simtime.Time) (simtime.Outcome, error) {
	if l.To == nil {
		l.CurrentOut = phasor.Vec{}
		l.CurrentIn = phasor.Vec{}
		return simtime.AdvanceTo(simtime.Never), nil
	}
	l.CurrentOut = l.To.Demand()
	l.CurrentIn = l.C.MulVec(l.To.Voltage).Add(l.D.MulVec(l.CurrentOut))
	l.From.addFlow(l.CurrentIn)
	return simtime.AdvanceTo(simtime.Never), nil
}

// Postsync is the forward sweep: it updates the to node from the from node.
func (l *Link) Postsync(t0 simtime.Time) (simtime.Outcome, error) {
	if l.To != nil {
		l.To.Voltage = l.A.MulVec(l.From.Voltage).Sub(l.B.MulVec(l.CurrentOut))
	}
	return simtime.AdvanceTo(simtime.Never), nil
}

// TerminalVoltage returns the to node voltage, or zero if the link is open-ended.
func (l *Link) TerminalVoltage() phasor.Vec {
	if l.To == nil {
		return phasor.Vec{}
	}
	return l.To.Voltage
}
