package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/regctl/src/governor"
	"github.com/ryansname/regctl/src/regulator"
	"github.com/ryansname/regctl/src/simtime"
)

// newCapturingState returns a DebugState whose output is collected instead of printed
func newCapturingState(tapChan chan<- TapCommand) (*DebugState, *[]string) {
	var lines []string
	state := NewDebugState(tapChan)
	state.out = func(line string) { lines = append(lines, line) }
	return state, &lines
}

func TestParseWatchSpec(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    WatchSpec
		wantErr bool
	}{
		{"current", "reg1/a", WatchSpec{Key: "reg1/A"}, false},
		{"window defaults to median", "reg1/B -m 15", WatchSpec{Key: "reg1/B", Minutes: 15, Percentile: 50}, false},
		{"percentile defaults to an hour", "reg1/C -p 99", WatchSpec{Key: "reg1/C", Minutes: 60, Percentile: 99}, false},
		{"both", "reg1/A -m 240 -p 1", WatchSpec{Key: "reg1/A", Minutes: 240, Percentile: 1}, false},
		{"bad window", "reg1/A -m 5", WatchSpec{}, true},
		{"bad percentile", "reg1/A -p 66", WatchSpec{}, true},
		{"missing value", "reg1/A -m", WatchSpec{}, true},
		{"unknown option", "reg1/A -x 1", WatchSpec{}, true},
		{"empty", "", WatchSpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := parseWatchSpec(strings.Fields(tt.args))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *spec)
		})
	}
}

func TestParseTapArgs(t *testing.T) {
	cmd, err := parseTapArgs([]string{"reg1", "b", "-4"})
	require.NoError(t, err)
	assert.Equal(t, TapCommand{Regulator: "reg1", Phase: 1, Tap: -4}, cmd)

	_, err = parseTapArgs([]string{"reg1", "D", "1"})
	assert.Error(t, err)
	_, err = parseTapArgs([]string{"reg1", "A", "up"})
	assert.Error(t, err)
	_, err = parseTapArgs([]string{"reg1"})
	assert.Error(t, err)
}

func TestWatchSpec_GetValue(t *testing.T) {
	data := SimData{Stats: map[string]*PhaseStats{
		"reg1/A": {
			Current: 119.5,
			P1:      TimeWindows{_15: 117, _60: 116, _240: 115},
			P50:     TimeWindows{_15: 119, _60: 118.5, _240: 118},
		},
	}}

	assert.Equal(t, "119.50", WatchSpec{Key: "reg1/A"}.GetValue(data))
	assert.Equal(t, "115.00", WatchSpec{Key: "reg1/A", Minutes: 240, Percentile: 1}.GetValue(data))
	assert.Equal(t, "118.50", WatchSpec{Key: "reg1/A", Minutes: 60, Percentile: 50}.GetValue(data))
	assert.Equal(t, "-", WatchSpec{Key: "reg1/B"}.GetValue(data))
}

func TestDebugState_Watches(t *testing.T) {
	state, lines := newCapturingState(nil)

	handleDebugCommand("watch reg1/a", state)
	handleDebugCommand("watch reg1/a -m 15", state)
	handleDebugCommand("watch reg1/a", state)
	require.Len(t, state.watches, 2)
	assert.Contains(t, *lines, "Already watching: reg1/A")

	// Exact current-value watch wins over the windowed one
	handleDebugCommand("unwatch reg1/A", state)
	require.Len(t, state.watches, 1)
	assert.Equal(t, 15, state.watches[0].Minutes)

	handleDebugCommand("unwatch --all", state)
	assert.Empty(t, state.watches)
}

func TestDebugState_PrintRowOnlyOnChange(t *testing.T) {
	state, lines := newCapturingState(nil)
	handleDebugCommand("watch reg1/A", state)
	*lines = nil

	data := SimData{Time: 60, Stats: map[string]*PhaseStats{"reg1/A": {Current: 120}}}
	state.PrintRow(data)
	require.Len(t, *lines, 2) // Header and first row
	assert.Contains(t, (*lines)[1], "120.00")

	data.Time = 120
	state.PrintRow(data)
	assert.Len(t, *lines, 2)

	data.Stats = map[string]*PhaseStats{"reg1/A": {Current: 121}}
	state.PrintRow(data)
	assert.Len(t, *lines, 3)
}

func TestDebugState_Status(t *testing.T) {
	state, lines := newCapturingState(nil)
	handleDebugCommand("status", state)
	assert.Equal(t, []string{"No data received yet"}, *lines)

	status := regulator.Status{Name: "reg1", Control: regulator.OutputVoltage, Next: 130}
	status.Phases[0] = regulator.PhaseStatus{Tap: 2, Stage: governor.StageAwaitingDwell, CheckVoltage: 117.3}
	state.UpdateData(SimData{
		Time:       simtime.Time(100),
		Regulators: []regulator.Status{status, {Name: "reg2", Err: errors.New("no configuration")}},
	})

	*lines = nil
	handleDebugCommand("status", state)
	output := strings.Join(*lines, "\n")
	assert.Contains(t, output, "reg1 [OUTPUT_VOLTAGE]")
	assert.Contains(t, output, "117.30V")
	assert.Contains(t, output, "reg2: disabled: no configuration")

	*lines = nil
	handleDebugCommand("status nope", state)
	assert.Contains(t, *lines, "Unknown regulator: nope")

	*lines = nil
	handleDebugCommand("list", state)
	assert.Contains(t, *lines, "  reg1/C [OUTPUT_VOLTAGE]")
}

func TestDebugState_TapCommand(t *testing.T) {
	tapChan := make(chan TapCommand, 1)
	state, lines := newCapturingState(tapChan)

	handleDebugCommand("tap reg1 c 3", state)
	require.Len(t, tapChan, 1)
	assert.Equal(t, TapCommand{Regulator: "reg1", Phase: 2, Tap: 3}, <-tapChan)

	handleDebugCommand("tap reg1 c", state)
	assert.Contains(t, (*lines)[len(*lines)-1], "Error")

	handleDebugCommand("frobnicate", state)
	assert.Contains(t, (*lines)[len(*lines)-1], "Unknown command")
}
