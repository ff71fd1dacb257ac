package simtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddSaturates(t *testing.T) {
	assert.Equal(t, Time(130), Time(100).Add(30))
	assert.Equal(t, Never, Never.Add(30))
	assert.Equal(t, Never, Time(100).Add(Never))
	assert.Equal(t, Never, (Never - 5).Add(10))
}

func TestUntil(t *testing.T) {
	assert.Equal(t, Time(30), Time(130).Until(100))
	assert.Equal(t, Never, Never.Until(100))
}

func TestMin(t *testing.T) {
	assert.Equal(t, Never, Min())
	assert.Equal(t, Never, Min(Never, Never))
	assert.Equal(t, Time(5), Min(Never, 10, 5, 7))
}

func TestOutcome(t *testing.T) {
	assert.False(t, AdvanceTo(10).IsRetry())
	assert.True(t, RetryAt(10).IsRetry())
	assert.Equal(t, "retry@10s", RetryAt(10).String())
	assert.Equal(t, "advance@never", AdvanceTo(Never).String())
}
