package main

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.SetLevel(logrus.FatalLevel) // Disable logs for tests
	os.Exit(m.Run())
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func TestSimData_GetStats(t *testing.T) {
	data := SimData{Stats: map[string]*PhaseStats{
		"reg1/B": {Current: 121},
	}}

	assert.Equal(t, 121.0, data.GetStats("reg1", 1).Current)
	assert.Equal(t, &PhaseStats{}, data.GetStats("reg1", 0))
	assert.Equal(t, &PhaseStats{}, data.GetStats("reg2", 1))
}

func TestSafeGo_RetriesAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	SafeGo(ctx, cancel, "flaky", func(ctx context.Context) {
		if calls.Add(1) == 1 {
			panic("first run fails")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not restarted")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, ctx.Err())
}

func TestBroadcastWorker_DropsForFullChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan SimData)
	full := make(chan SimData) // Unbuffered and never read
	open := make(chan SimData, 2)
	go broadcastWorker(ctx, input, []chan<- SimData{full, open}, newTestLogger())

	input <- SimData{Time: 1}
	input <- SimData{Time: 2}

	for _, want := range []int64{1, 2} {
		select {
		case data := <-open:
			assert.Equal(t, want, int64(data.Time))
		case <-time.After(time.Second):
			t.Fatal("broadcast did not reach the open channel")
		}
	}
}
