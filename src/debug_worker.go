package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ryansname/regctl/src/phasor"
)

// WatchSpec represents a regulator phase to watch with optional time window and percentile
type WatchSpec struct {
	Key        string // Regulator phase, e.g. "reg1/A"
	Minutes    int    // 0 = current, 15/60/240 = time window
	Percentile int    // 0 = current, 1/50/99 = percentile
}

// String returns a unique key for this watch spec
func (w WatchSpec) String() string {
	if w.Minutes == 0 && w.Percentile == 0 {
		return w.Key
	}
	return fmt.Sprintf("%s -m %d -p %d", w.Key, w.Minutes, w.Percentile)
}

// ShortName returns a short column header for this watch
func (w WatchSpec) ShortName() string {
	if w.Minutes == 0 && w.Percentile == 0 {
		return w.Key
	}
	return fmt.Sprintf("%s %dm p%d", w.Key, w.Minutes, w.Percentile)
}

// GetValue extracts the check voltage from SimData based on the watch spec
func (w WatchSpec) GetValue(data SimData) string {
	stats, ok := data.Stats[w.Key]
	if !ok {
		return "-"
	}

	if w.Minutes == 0 && w.Percentile == 0 {
		return formatDebugValue(stats.Current)
	}

	var tw TimeWindows
	switch w.Percentile {
	case 1:
		tw = stats.P1
	case 99:
		tw = stats.P99
	default:
		tw = stats.P50
	}

	var value float64
	switch w.Minutes {
	case 15:
		value = tw._15
	case 240:
		value = tw._240
	default:
		value = tw._60
	}
	return formatDebugValue(value)
}

// formatDebugValue formats a float with smart precision
func formatDebugValue(v float64) string {
	if v >= 1000 || v <= -1000 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m" // Yellow for changed values
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// DebugState manages the list of watched regulator phases
type DebugState struct {
	watches       []WatchSpec
	headerPrinted bool
	columnWidths  []int
	latestData    *SimData
	rl            *readline.Instance
	prevValues    map[string]string // Track previous value per watch for change highlighting
	tapChan       chan<- TapCommand
	out           func(line string)
}

// NewDebugState creates a new debug state
func NewDebugState(tapChan chan<- TapCommand) *DebugState {
	return &DebugState{
		watches:    make([]WatchSpec, 0),
		prevValues: make(map[string]string),
		tapChan:    tapChan,
	}
}

// AddWatch adds a watch and re-sorts the list
func (s *DebugState) AddWatch(spec WatchSpec) {
	for _, w := range s.watches {
		if w.String() == spec.String() {
			s.print("Already watching: %s", spec.String())
			return
		}
	}

	s.watches = append(s.watches, spec)
	sort.Slice(s.watches, func(i, j int) bool {
		return s.watches[i].ShortName() < s.watches[j].ShortName()
	})
	s.headerPrinted = false
	s.print("Watching: %s", spec.String())
}

// RemoveWatch removes an exact match watch
func (s *DebugState) RemoveWatch(spec WatchSpec) bool {
	for i, w := range s.watches {
		if w.String() == spec.String() {
			s.watches = slices.Delete(s.watches, i, i+1)
			s.headerPrinted = false
			s.print("Unwatched: %s", spec.String())
			return true
		}
	}
	return false
}

// RemoveWatchFuzzy removes a watch by key, either exact or single match
func (s *DebugState) RemoveWatchFuzzy(key string) bool {
	var matches []int
	for i, w := range s.watches {
		if w.Key == key {
			if w.Minutes == 0 && w.Percentile == 0 {
				matches = []int{i}
				break
			}
			matches = append(matches, i)
		}
	}

	switch len(matches) {
	case 0:
		s.print("No watch found for: %s", key)
		return false
	case 1:
		removed := s.watches[matches[0]]
		s.watches = slices.Delete(s.watches, matches[0], matches[0]+1)
		s.headerPrinted = false
		s.print("Unwatched: %s", removed.String())
		return true
	default:
		s.print("Multiple watches for %s, use full spec to unwatch", key)
		return false
	}
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	s.print("All watches removed")
}

// UpdateData stores the latest SimData for use by list and status commands
func (s *DebugState) UpdateData(data SimData) {
	s.latestData = &data
}

// SetReadline sets the readline instance for proper output handling
func (s *DebugState) SetReadline(rl *readline.Instance) {
	s.rl = rl
}

// print outputs a line, handling readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	switch {
	case s.out != nil:
		s.out(line)
	case s.rl != nil:
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	default:
		fmt.Println(line)
	}
}

// ListPhases prints every regulator phase that can be watched
func (s *DebugState) ListPhases() {
	if s.latestData == nil {
		s.print("No data received yet")
		return
	}

	s.print("Regulator phases (%d):", 3*len(s.latestData.Regulators))
	for _, status := range s.latestData.Regulators {
		for phase := range 3 {
			s.print("  %s [%s]", statsKey(status.Name, phase), status.Control)
		}
	}
}

// PrintStatus prints the state machine of every regulator, or just the named one
func (s *DebugState) PrintStatus(name string) {
	if s.latestData == nil {
		s.print("No data received yet")
		return
	}

	found := false
	s.print("t=%s (%d iterations)", s.latestData.Time, s.latestData.Iterations)
	for _, status := range s.latestData.Regulators {
		if name != "" && !strings.EqualFold(name, status.Name) {
			continue
		}
		found = true

		if status.Err != nil {
			s.print("%s: disabled: %v", status.Name, status.Err)
			continue
		}
		s.print("%s [%s] next=%s", status.Name, status.Control, status.Next)
		for phase, ps := range status.Phases {
			s.print("  %s tap=%+3d %-20s %sV", phasor.Names[phase], ps.Tap, ps.Stage, formatDebugValue(ps.CheckVoltage))
		}
	}
	if !found {
		s.print("Unknown regulator: %s", name)
	}
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	if len(s.watches) == 0 {
		return
	}

	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, 0, len(s.watches)+1)
	parts = append(parts, fmt.Sprintf("%8s", "t"))
	for i, w := range s.watches {
		s.columnWidths[i] = len(w.ShortName())
		parts = append(parts, fmt.Sprintf("%*s", s.columnWidths[i], w.ShortName()))
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string) // Reset previous values when header changes
}

// PrintRow prints the current values for all watches (only if changed)
func (s *DebugState) PrintRow(data SimData) {
	if len(s.watches) == 0 {
		return
	}

	if !s.headerPrinted {
		s.PrintHeader()
	}

	parts := make([]string, 0, len(s.watches)+1)
	parts = append(parts, fmt.Sprintf("%8s", data.Time))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, w := range s.watches {
		value := w.GetValue(data)
		key := w.String()
		newValues[key] = value

		width := max(s.columnWidths[i], len(value))
		s.columnWidths[i] = width

		prevValue, hasPrev := s.prevValues[key]
		if !hasPrev || prevValue != value {
			anyChanged = true
			parts = append(parts, fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset))
		} else {
			parts = append(parts, fmt.Sprintf("%*s", width, value))
		}
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = newValues
	}
}

// parseWatchSpec parses watch command arguments into a WatchSpec
func parseWatchSpec(args []string) (*WatchSpec, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: watch <regulator>/<phase> [-m <15|60|240>] [-p <1|50|99>]")
	}

	spec := &WatchSpec{Key: args[0]}
	if name, phase, ok := strings.Cut(args[0], "/"); ok {
		spec.Key = name + "/" + strings.ToUpper(phase)
	}

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-m":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-m requires a value (15, 60, or 240)")
			}
			i++
			m, err := strconv.Atoi(args[i])
			if err != nil || (m != 15 && m != 60 && m != 240) {
				return nil, fmt.Errorf("-m must be 15, 60, or 240")
			}
			spec.Minutes = m
		case "-p":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-p requires a value (1, 50, or 99)")
			}
			i++
			p, err := strconv.Atoi(args[i])
			if err != nil || (p != 1 && p != 50 && p != 99) {
				return nil, fmt.Errorf("-p must be 1, 50, or 99")
			}
			spec.Percentile = p
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	// If minutes specified but not percentile, default to P50
	if spec.Minutes > 0 && spec.Percentile == 0 {
		spec.Percentile = 50
	}
	// If percentile specified but not minutes, default to 60
	if spec.Percentile > 0 && spec.Minutes == 0 {
		spec.Minutes = 60
	}

	return spec, nil
}

// parseTapArgs parses "tap <regulator> <phase> <position>"
func parseTapArgs(args []string) (TapCommand, error) {
	if len(args) != 3 {
		return TapCommand{}, fmt.Errorf("usage: tap <regulator> <A|B|C> <position>")
	}
	phase := slices.Index(phasor.Names[:], strings.ToUpper(args[1]))
	if phase < 0 {
		return TapCommand{}, fmt.Errorf("unknown phase %q", args[1])
	}
	tap, err := strconv.Atoi(args[2])
	if err != nil {
		return TapCommand{}, fmt.Errorf("invalid tap position %q", args[2])
	}
	return TapCommand{Regulator: args[0], Phase: phase, Tap: tap}, nil
}

// handleDebugCommand processes a debug command
func handleDebugCommand(cmd string, state *DebugState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "watch":
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			state.print("Error: %v", err)
			return
		}
		state.AddWatch(*spec)

	case "unwatch":
		if len(parts) < 2 {
			state.print("Usage: unwatch <regulator>/<phase> [-m <minutes>] [-p <percentile>] | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			state.print("Error: %v", err)
			return
		}
		// If no -m/-p specified, use fuzzy match
		if spec.Minutes == 0 && spec.Percentile == 0 {
			state.RemoveWatchFuzzy(spec.Key)
		} else if !state.RemoveWatch(*spec) {
			state.print("No watch found for: %s", spec.String())
		}

	case "list":
		state.ListPhases()

	case "status":
		name := ""
		if len(parts) > 1 {
			name = parts[1]
		}
		state.PrintStatus(name)

	case "tap":
		tapCmd, err := parseTapArgs(parts[1:])
		if err != nil {
			state.print("Error: %v", err)
			return
		}
		select {
		case state.tapChan <- tapCmd:
			state.print("Queued tap %s/%s -> %d", tapCmd.Regulator, phasor.Names[tapCmd.Phase], tapCmd.Tap)
		default:
			state.print("Tap command queue full, try again")
		}

	case "help":
		state.print("Commands:")
		state.print("  list                              - List all regulator phases")
		state.print("  status [regulator]                - Show tap changer state")
		state.print("  watch <reg>/<phase>               - Watch current check voltage")
		state.print("  watch <reg>/<phase> -m <15|60|240> - Watch time window (defaults to p50)")
		state.print("  watch <reg>/<phase> -p <1|50|99>  - Watch percentile (defaults to 60m)")
		state.print("  unwatch <reg>/<phase>             - Remove watch (exact or fuzzy match)")
		state.print("  unwatch --all                     - Remove all watches")
		state.print("  tap <reg> <phase> <position>      - Move a manual regulator")
		state.print("  help                              - Show this help")

	default:
		state.print("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	regctlCache := filepath.Join(cacheDir, "regctl")
	_ = os.MkdirAll(regctlCache, 0750)
	return filepath.Join(regctlCache, "debug_history")
}

// debugWorker provides an interactive console onto the running simulation
func debugWorker(ctx context.Context, cancel context.CancelFunc, dataChan <-chan SimData, tapChan chan<- TapCommand) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		logger.WithError(err).Error("Debug worker: readline init failed")
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
		logger.SetOutput(os.Stderr)
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	logger.SetOutput(rlWriter)

	logger.Info("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewDebugState(tapChan)
	state.SetReadline(rl)

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(cmd, state)
		case data := <-dataChan:
			state.UpdateData(data)
			state.PrintRow(data)
		case <-ctx.Done():
			logger.Info("Debug worker stopped")
			return
		}
	}
}
