package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Regulator and host solver collectors.

var (
	// Regulator
	TapOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "tap_operations_total",
		Help:      "Total tap position changes",
	}, []string{"regulator", "phase", "kind"})

	TapClamps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "tap_clamps_total",
		Help:      "Total tap moves cut short by a tap limit",
	}, []string{"regulator", "phase"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "retries_total",
		Help:      "Total presync passes that asked the host to iterate again",
	}, []string{"regulator"})

	ConfigErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "config_errors_total",
		Help:      "Total regulators disabled by a configuration error",
	}, []string{"regulator"})

	TapPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "tap_position",
		Help:      "Current tap position",
	}, []string{"regulator", "phase"})

	CheckVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "regctl",
		Subsystem: "regulator",
		Name:      "check_voltage_volts",
		Help:      "Magnitude of the sensed check voltage",
	}, []string{"regulator", "phase"})

	// Host solver
	SolverIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "feeder",
		Name:      "iterations_total",
		Help:      "Total presync/sync/postsync iterations",
	})

	NonConvergence = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regctl",
		Subsystem: "feeder",
		Name:      "non_convergence_total",
		Help:      "Total timesteps that hit the iteration limit",
	})

	SimulationTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "regctl",
		Subsystem: "feeder",
		Name:      "simulation_time_seconds",
		Help:      "Simulation clock of the last settled timestep",
	})

	IterationsPerStep = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "regctl",
		Subsystem: "feeder",
		Name:      "iterations_per_step",
		Help:      "Iterations needed to settle a timestep",
		Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21, 50, 100},
	})
)
