package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/config"
	"github.com/ryansname/regctl/src/simtime"
)

// Simulation steps a Network through simulated time
type Simulation struct {
	Network *Network
	Start   simtime.Time
	Stop    simtime.Time
	MaxStep simtime.Time // 0 = event driven
	Pace    float64      // Simulated seconds per wall second, 0 = unpaced
	RunID   string
	Chart   *Chart // nil disables the chart

	// Interactive keeps applying tap commands at the final timestep once the run has finished
	Interactive bool

	log      logrus.FieldLogger
	next     simtime.Time // Resume point if the worker restarts
	last     simtime.Time // Most recently settled timestep
	finished chan struct{}
	once     sync.Once
}

// NewSimulation creates a simulation of network using the configured time range and pace
func NewSimulation(network *Network, cfg config.SimulationConfig, runID string, log logrus.FieldLogger) *Simulation {
	return &Simulation{
		Network:  network,
		Start:    simtime.Time(cfg.Start),
		Stop:     simtime.Time(cfg.Stop),
		MaxStep:  simtime.Time(cfg.MaxStep),
		Pace:     cfg.Pace,
		RunID:    runID,
		log:      log,
		next:     simtime.Time(cfg.Start),
		last:     simtime.Time(cfg.Start),
		finished: make(chan struct{}),
	}
}

// Finished is closed once the simulation has run to completion
func (s *Simulation) Finished() <-chan struct{} {
	return s.finished
}

func (s *Simulation) finish() {
	s.once.Do(func() { close(s.finished) })
}

// snapshot captures the settled state at t
func (s *Simulation) snapshot(t simtime.Time) SimData {
	snap := s.Network.Feeder.Snapshot(t)
	return SimData{
		RunID:      s.RunID,
		Time:       t,
		Iterations: snap.Iterations,
		Voltages:   snap.Voltages,
		Regulators: s.Network.Statuses(),
	}
}

// apply moves a manual regulator's tap. Failures are logged and dropped.
func (s *Simulation) apply(cmd TapCommand) {
	log := s.log.WithFields(logrus.Fields{"regulator": cmd.Regulator, "phase": cmd.Phase, "tap": cmd.Tap})
	r := s.Network.Regulator(cmd.Regulator)
	if r == nil {
		log.Warn("Tap command for unknown regulator")
		return
	}
	if err := r.SetTap(cmd.Phase, cmd.Tap); err != nil {
		log.WithError(err).Warn("Tap command rejected")
	}
}

// wallDuration converts a simulated interval to wall time at the given pace
func wallDuration(d simtime.Time, pace float64) time.Duration {
	return time.Duration(float64(d) / pace * float64(time.Second))
}

// advance waits until the next timestep is due, applying tap commands on the way.
// A command received while paced brings the next timestep forward to the
// simulated time reached on the wall clock.
func (s *Simulation) advance(ctx context.Context, now, next simtime.Time, commands <-chan TapCommand) (simtime.Time, bool) {
	if s.Pace <= 0 {
		for {
			select {
			case cmd := <-commands:
				s.apply(cmd)
			case <-ctx.Done():
				return now, false
			default:
				return next, true
			}
		}
	}

	started := time.Now()
	timer := time.NewTimer(wallDuration(next-now, s.Pace))
	defer timer.Stop()

	select {
	case <-timer.C:
		return next, true
	case cmd := <-commands:
		s.apply(cmd)
		reached := now + simtime.Time(time.Since(started).Seconds()*s.Pace)
		return min(max(reached, now+1), next), true
	case <-ctx.Done():
		return now, false
	}
}

// simulationWorker runs the simulation and sends every settled timestep to outputChan
func simulationWorker(ctx context.Context, sim *Simulation, commands <-chan TapCommand, outputChan chan<- SimData) {
	log := sim.log
	log.WithFields(logrus.Fields{
		"start": sim.next,
		"stop":  sim.Stop,
		"pace":  sim.Pace,
	}).Info("Simulation worker started")

	t := sim.next
	for t <= sim.Stop {
		sim.next = t
		next, err := sim.Network.Feeder.Step(t)
		if err != nil {
			log.WithError(err).Error("Simulation stopped")
			sim.finish()
			return
		}

		sim.last = t

		data := sim.snapshot(t)
		if sim.Chart != nil {
			sim.Chart.Record(data)
		}
		select {
		case outputChan <- data:
		case <-ctx.Done():
			log.Info("Simulation worker stopped")
			return
		}

		if sim.MaxStep > 0 {
			next = min(next, t.Add(sim.MaxStep))
		}
		if next.IsNever() {
			log.Infof("No further events after %s", t)
			break
		}
		next = max(next, t+1)
		if next > sim.Stop {
			break
		}

		var ok bool
		if t, ok = sim.advance(ctx, t, next, commands); !ok {
			log.Info("Simulation worker stopped")
			return
		}
	}
	sim.next = sim.Stop + 1

	if sim.Chart != nil {
		if err := sim.Chart.Save(); err != nil {
			log.WithError(err).Error("Failed to write chart")
		} else {
			log.Infof("Chart written to %s", sim.Chart.Path)
		}
	}
	log.Info("Simulation finished")
	sim.finish()

	if sim.Interactive {
		sim.hold(ctx, commands, outputChan)
	}
}

// hold applies tap commands after the run has finished, re-solving the
// feeder at the final timestep so downstream workers see each change
func (s *Simulation) hold(ctx context.Context, commands <-chan TapCommand, outputChan chan<- SimData) {
	s.log.Infof("Holding at %s for tap commands", s.last)
	for {
		select {
		case cmd := <-commands:
			s.apply(cmd)
			if _, err := s.Network.Feeder.Step(s.last); err != nil {
				s.log.WithError(err).Error("Failed to apply tap command")
				return
			}

			select {
			case outputChan <- s.snapshot(s.last):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			s.log.Info("Simulation worker stopped")
			return
		}
	}
}
