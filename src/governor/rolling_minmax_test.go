package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ryansname/regctl/src/simtime"
)

func TestRollingMinMax_Empty(t *testing.T) {
	r := NewRollingMinMax()
	assert.Equal(t, 0.0, r.Min())
	assert.Equal(t, 0.0, r.Max())
}

func TestRollingMinMax_SingleValue(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(100, 0)
	assert.Equal(t, 100.0, r.Min())
	assert.Equal(t, 100.0, r.Max())
}

func TestRollingMinMax_MultipleValuesSameMinute(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(100, 0)
	r.updateAt(50, 0)
	r.updateAt(150, 0)
	assert.Equal(t, 50.0, r.Min())
	assert.Equal(t, 150.0, r.Max())
}

func TestRollingMinMax_MultipleMinutes(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(100, 0)
	r.updateAt(200, 1)
	r.updateAt(50, 2)
	assert.Equal(t, 50.0, r.Min())
	assert.Equal(t, 200.0, r.Max())
}

func TestRollingMinMax_MissedMinutesClearsOldData(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(100, 0)
	r.updateAt(50, 1)
	// Jump to minute 5, skipping 2-4
	r.updateAt(75, 5)
	// Minutes 0,1,5 have data; 2-4 should be cleared
	assert.Equal(t, 50.0, r.Min())  // From minute 1
	assert.Equal(t, 100.0, r.Max()) // From minute 0
}

func TestRollingMinMax_WrapAround(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(100, 58)
	r.updateAt(200, 59)
	// Wrap to minute 62, clearing buckets for 60 and 61
	r.updateAt(150, 62)
	assert.Equal(t, 100.0, r.Min())
	assert.Equal(t, 200.0, r.Max())

	// Minute 118 reuses minute 58's bucket
	r.updateAt(175, 118)
	assert.Equal(t, 150.0, r.Min())
	assert.Equal(t, 200.0, r.Max())
}

func TestRollingMinMax_LongGapClearsEverything(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(10, 0)
	r.updateAt(500, 30)
	r.updateAt(120, 200)
	assert.Equal(t, 120.0, r.Min())
	assert.Equal(t, 120.0, r.Max())
}

func TestRollingMinMax_IgnoresOlderSamples(t *testing.T) {
	r := NewRollingMinMax()
	r.updateAt(120, 10)
	r.updateAt(1, 9)
	assert.Equal(t, 120.0, r.Min())
}

func TestRollingMinMax_UpdateUsesSimulatedMinutes(t *testing.T) {
	r := NewRollingMinMax()
	r.Update(118, simtime.Time(0))
	r.Update(122, simtime.Time(59))
	r.Update(121, simtime.Time(3600))
	// Hour later: minute 0 bucket replaced, nothing else left in window
	assert.Equal(t, 121.0, r.Min())
	assert.Equal(t, 121.0, r.Max())
}
