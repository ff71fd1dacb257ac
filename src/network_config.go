package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/config"
	"github.com/ryansname/regctl/src/feeder"
	"github.com/ryansname/regctl/src/regulator"
)

// Network holds the simulated feeder and the regulators workers address by name
type Network struct {
	Feeder     *feeder.Feeder
	Regulators []*regulator.Regulator
}

// Regulator finds a regulator by name, ignoring case
func (n *Network) Regulator(name string) *regulator.Regulator {
	for _, r := range n.Regulators {
		if strings.EqualFold(r.Name(), name) {
			return r
		}
	}
	return nil
}

// Statuses returns the status of every regulator in feeder order
func (n *Network) Statuses() []regulator.Status {
	statuses := make([]regulator.Status, len(n.Regulators))
	for i, r := range n.Regulators {
		statuses[i] = r.Status()
	}
	return statuses
}

// VoltageAlarmConfig holds configuration for one regulator's voltage alarm worker
type VoltageAlarmConfig struct {
	Regulator string
	Low       float64
	High      float64
}

// AlarmConfigs creates one VoltageAlarmConfig per automatic regulator, with
// limits on that regulator's check voltage base
func (n *Network) AlarmConfigs(alarm config.AlarmConfig) []VoltageAlarmConfig {
	var configs []VoltageAlarmConfig
	for _, r := range n.Regulators {
		if r.Config == nil || !r.Config.Control.Automatic() {
			continue
		}
		limits := alarm.Limits(r.Name(), r.Config.BandCenter)
		configs = append(configs, VoltageAlarmConfig{
			Regulator: r.Name(),
			Low:       limits.Low,
			High:      limits.High,
		})
	}
	return configs
}

// buildNetwork creates the feeder described by cfg and initializes it
func buildNetwork(cfg *config.Config, log logrus.FieldLogger) (*Network, error) {
	f := feeder.New(log)
	f.MaxIterations = cfg.Simulation.MaxIterations
	f.Tolerance = cfg.Simulation.Tolerance

	nodes := make(map[string]*feeder.Node, len(cfg.Feeder.Nodes))
	var loads []*feeder.Load
	for _, nc := range cfg.Feeder.Nodes {
		key := strings.ToLower(nc.Name)
		if nc.Name == "" {
			return nil, fmt.Errorf("node without a name")
		}
		if _, exists := nodes[key]; exists {
			return nil, fmt.Errorf("duplicate node %s", nc.Name)
		}
		if nc.Nominal <= 0 {
			return nil, fmt.Errorf("node %s: nominal voltage must be positive", nc.Name)
		}

		n := feeder.NewNode(nc.Name, nc.Nominal)
		power, impedance, err := nc.Load()
		if err != nil {
			return nil, err
		}
		n.Power = power
		n.Impedance = impedance
		nodes[key] = f.AddNode(n)

		if len(nc.Profile) > 0 {
			loads = append(loads, feeder.NewLoad(nc.Name+"_load", n, config.Schedule(1, nc.Profile)))
		}
	}

	lookup := func(name string) (*feeder.Node, error) {
		n, ok := nodes[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown node %q", name)
		}
		return n, nil
	}

	sub := cfg.Feeder.Substation
	source, err := lookup(sub.Node)
	if err != nil {
		return nil, fmt.Errorf("substation %s: %w", sub.Name, err)
	}
	if sub.Nominal > 0 {
		source.Nominal = sub.Nominal
	}
	f.Add(feeder.NewSubstation(sub.Name, source, config.Schedule(1, sub.Profile)))
	for _, l := range loads {
		f.Add(l)
	}

	net := &Network{Feeder: f}
	for _, sc := range cfg.Feeder.Sections {
		from, err := lookup(sc.From)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", sc.Name, err)
		}

		switch strings.ToLower(sc.Kind) {
		case config.KindLine:
			to, err := lookup(sc.To)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", sc.Name, err)
			}
			z, err := cfg.Line(sc.Configuration)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", sc.Name, err)
			}
			f.Add(feeder.NewLine(sc.Name, from, to, z))

		case config.KindRegulator:
			// A regulator may be left unconnected on its output side
			var to *feeder.Node
			if sc.To != "" {
				if to, err = lookup(sc.To); err != nil {
					return nil, fmt.Errorf("section %s: %w", sc.Name, err)
				}
			}
			rc, err := cfg.Regulator(sc.Configuration)
			if err != nil {
				return nil, &regulator.ConfigError{Object: sc.Name, Err: err}
			}

			r := regulator.New(sc.Name, from, to, rc, log)
			if sc.SenseNode != "" {
				if r.SenseNode, err = lookup(sc.SenseNode); err != nil {
					return nil, fmt.Errorf("section %s: sense node: %w", sc.Name, err)
				}
			}
			f.Add(r)
			net.Regulators = append(net.Regulators, r)

		default:
			return nil, fmt.Errorf("section %s: unknown kind %q", sc.Name, sc.Kind)
		}
	}

	if err := f.Init(); err != nil {
		return nil, err
	}
	return net, nil
}
