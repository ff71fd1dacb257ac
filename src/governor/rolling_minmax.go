package governor

import (
	"math"

	"github.com/ryansname/regctl/src/simtime"
)

const rollingMinutes = 60

// minMaxBucket holds min/max values for a single simulated minute
type minMaxBucket struct {
	min, max float64
}

var emptyBucket = minMaxBucket{min: math.MaxFloat64, max: -math.MaxFloat64}

// RollingMinMax tracks min/max values over the last simulated hour using 60 1-minute buckets
type RollingMinMax struct {
	buckets       [rollingMinutes]minMaxBucket
	currentMinute int64 // -1 = uninitialized
}

// NewRollingMinMax creates a new RollingMinMax with all buckets initialized to sentinel values
func NewRollingMinMax() RollingMinMax {
	r := RollingMinMax{currentMinute: -1}
	for i := range r.buckets {
		r.buckets[i] = emptyBucket
	}
	return r
}

// Update records a value observed at simulation time at.
// Samples older than the current minute are ignored.
func (r *RollingMinMax) Update(value float64, at simtime.Time) {
	r.updateAt(value, int64(at)/60)
}

func (r *RollingMinMax) updateAt(value float64, minute int64) {
	if r.currentMinute >= 0 && minute < r.currentMinute {
		return
	}

	if r.currentMinute >= 0 && minute != r.currentMinute {
		// Clear missed buckets, all of them if the gap spans the window
		gap := minute - r.currentMinute
		if gap >= rollingMinutes {
			for i := range r.buckets {
				r.buckets[i] = emptyBucket
			}
		} else {
			for m := r.currentMinute + 1; m < minute; m++ {
				r.buckets[m%rollingMinutes] = emptyBucket
			}
		}
	}

	idx := minute % rollingMinutes
	if minute != r.currentMinute {
		// First value for this minute - init directly
		r.buckets[idx] = minMaxBucket{min: value, max: value}
		r.currentMinute = minute
		return
	}

	// Update existing bucket
	b := &r.buckets[idx]
	b.min = min(b.min, value)
	b.max = max(b.max, value)
}

// Min returns the minimum value across all buckets, or 0 if no data
func (r *RollingMinMax) Min() float64 {
	result := math.MaxFloat64
	for _, b := range r.buckets {
		result = min(result, b.min)
	}
	if result == math.MaxFloat64 {
		return 0
	}
	return result
}

// Max returns the maximum value across all buckets, or 0 if no data
func (r *RollingMinMax) Max() float64 {
	result := -math.MaxFloat64
	for _, b := range r.buckets {
		result = max(result, b.max)
	}
	if result == -math.MaxFloat64 {
		return 0
	}
	return result
}
