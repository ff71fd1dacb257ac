package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/ryansname/regctl/src/governor"
	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// Statistics windows in simulated seconds
const (
	window15  = 15 * 60
	window60  = 60 * 60
	window240 = 240 * 60
)

// Reading represents a check voltage sample at a simulation time
type Reading struct {
	Value float64
	At    simtime.Time
}

// Readings is a collection of timestamped readings
type Readings []Reading

// TimeWindows holds values across 15, 60 and 240 simulated-minute windows
type TimeWindows struct {
	_15  float64
	_60  float64
	_240 float64
}

// PhaseStats holds the current check voltage of one regulator phase and its statistics
type PhaseStats struct {
	Current float64
	P1      TimeWindows // 1st percentile (filters out low outliers)
	P50     TimeWindows // 50th percentile (median)
	P99     TimeWindows // 99th percentile (filters out high outliers)
	Min60   float64
	Max60   float64
}

// statsKey names one regulator phase, e.g. "reg1/A"
func statsKey(regulator string, phase int) string {
	return fmt.Sprintf("%s/%s", regulator, phasor.Names[phase])
}

// calculateTimeWeightedStats computes time-weighted statistics for a time window.
// Each reading is weighted by the simulated time it was held (until the next reading).
// Returns: p1 (1st percentile), p50 (median), p99 (99th percentile)
func calculateTimeWeightedStats(readings Readings, window simtime.Time, now simtime.Time) (p1, p50, p99 float64) {
	if len(readings) == 0 {
		return 0, 0, 0
	}

	lastReading := readings[len(readings)-1]
	cutoff := now - window

	var windowReadings Readings
	for _, r := range readings {
		if r.At > cutoff {
			windowReadings = append(windowReadings, r)
		}
	}

	// A single reading has no duration to weight, use the last known value
	if len(windowReadings) <= 1 {
		v := lastReading.Value
		return v, v, v
	}

	values := make([]float64, len(windowReadings))
	weights := make([]float64, len(windowReadings))
	order := make([]int, len(windowReadings))
	for i := range windowReadings {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return windowReadings[order[a]].Value < windowReadings[order[b]].Value
	})

	for i, idx := range order {
		values[i] = windowReadings[idx].Value
		if idx < len(windowReadings)-1 {
			weights[i] = float64(windowReadings[idx+1].At - windowReadings[idx].At)
		} else {
			// The newest reading is in effect now, it holds for at least a second
			weights[i] = float64(max(1, now-windowReadings[idx].At))
		}
	}

	p1 = stat.Quantile(0.01, stat.Empirical, values, weights)
	p50 = stat.Quantile(0.50, stat.Empirical, values, weights)
	p99 = stat.Quantile(0.99, stat.Empirical, values, weights)
	return p1, p50, p99
}

// calculateStats computes time-weighted statistics for each window
func calculateStats(data *PhaseStats, readings Readings, now simtime.Time) {
	if len(readings) == 0 {
		return
	}

	p1_15, p50_15, p99_15 := calculateTimeWeightedStats(readings, window15, now)
	p1_60, p50_60, p99_60 := calculateTimeWeightedStats(readings, window60, now)
	p1_240, p50_240, p99_240 := calculateTimeWeightedStats(readings, window240, now)

	data.P1 = TimeWindows{_15: p1_15, _60: p1_60, _240: p1_240}
	data.P50 = TimeWindows{_15: p50_15, _60: p50_60, _240: p50_240}
	data.P99 = TimeWindows{_15: p99_15, _60: p99_60, _240: p99_240}
}

// trimReadings drops readings older than the longest window, always keeping the most recent
func trimReadings(readings Readings, now simtime.Time) Readings {
	cutoff := now - window240
	for i, r := range readings {
		if r.At > cutoff {
			return readings[i:]
		}
	}
	if len(readings) == 0 {
		return readings
	}
	return readings[len(readings)-1:]
}

// cloneStats creates a deep copy of the statistics for safe concurrent access
func cloneStats(stats map[string]*PhaseStats) map[string]*PhaseStats {
	clone := make(map[string]*PhaseStats, len(stats))
	for key, s := range stats {
		c := *s
		clone[key] = &c
	}
	return clone
}

// phaseTracker is the stats worker's state for one regulator phase
type phaseTracker struct {
	readings Readings
	minMax   governor.RollingMinMax
	stats    PhaseStats
}

// observe folds one snapshot into the per-phase trackers
func observe(trackers map[string]*phaseTracker, data SimData) map[string]*PhaseStats {
	for _, status := range data.Regulators {
		if status.Err != nil {
			continue
		}
		for phase, ps := range status.Phases {
			key := statsKey(status.Name, phase)
			tr, ok := trackers[key]
			if !ok {
				tr = &phaseTracker{minMax: governor.NewRollingMinMax()}
				trackers[key] = tr
			}

			tr.readings = trimReadings(append(tr.readings, Reading{Value: ps.CheckVoltage, At: data.Time}), data.Time)
			tr.minMax.Update(ps.CheckVoltage, data.Time)

			tr.stats.Current = ps.CheckVoltage
			tr.stats.Min60 = tr.minMax.Min()
			tr.stats.Max60 = tr.minMax.Max()
			calculateStats(&tr.stats, tr.readings, data.Time)
		}
	}

	stats := make(map[string]*PhaseStats, len(trackers))
	for key, tr := range trackers {
		stats[key] = &tr.stats
	}
	return cloneStats(stats)
}

// statsWorker attaches check voltage statistics to each snapshot
func statsWorker(ctx context.Context, inputChan <-chan SimData, outputChan chan<- SimData, log logrus.FieldLogger) {
	log.Info("Stats worker started")
	trackers := make(map[string]*phaseTracker)

	for {
		select {
		case data := <-inputChan:
			data.Stats = observe(trackers, data)
			select {
			case outputChan <- data:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			log.Info("Stats worker stopped")
			return
		}
	}
}
