package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/chzyer/readline"
)

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m"
)

// debugValues flattens a snapshot into printable key/value pairs, including
// per-charger keys like "garage.current".
func debugValues(snap Snapshot) map[string]string {
	out := make(map[string]string)
	for key, val := range snap.Values() {
		switch v := val.(type) {
		case float64:
			out[key] = formatDebugValue(v)
		case string:
			out[key] = v
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	for _, c := range snap.Chargers {
		out[c.ID+".current"] = fmt.Sprintf("%d", c.Amps)
		out[c.ID+".power"] = formatDebugValue(c.PowerWatts)
		out[c.ID+".on"] = onOff(c.On)
		out[c.ID+".connected"] = onOff(c.Connected)
		out[c.ID+".use_excess"] = onOff(c.UseExcess)
		out[c.ID+".message"] = c.Message
	}
	if snap.Stale {
		out["stale"] = "true"
	}
	return out
}

// formatDebugValue formats a float with smart precision
func formatDebugValue(v float64) string {
	if v >= 100 || v <= -100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

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

var rlWriter = &readlineWriter{}

// DebugState manages the list of watched snapshot keys
type DebugState struct {
	watches       []string
	headerPrinted bool
	columnWidths  []int
	latest        map[string]string
	rl            *readline.Instance
	prevValues    map[string]string
}

func NewDebugState() *DebugState {
	return &DebugState{prevValues: make(map[string]string)}
}

// AddWatch adds a watch and re-sorts the list
func (s *DebugState) AddWatch(key string) {
	if slices.Contains(s.watches, key) {
		log.Printf("Already watching: %s", key)
		return
	}
	s.watches = append(s.watches, key)
	sort.Strings(s.watches)
	s.headerPrinted = false
	log.Printf("Watching: %s", key)
}

// RemoveWatch removes a watch by key
func (s *DebugState) RemoveWatch(key string) {
	i := slices.Index(s.watches, key)
	if i < 0 {
		log.Printf("No watch found for: %s", key)
		return
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	s.headerPrinted = false
	log.Printf("Unwatched: %s", key)
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	log.Println("All watches removed")
}

// print outputs a line, handling the readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// ListKeys prints all available snapshot keys
func (s *DebugState) ListKeys() {
	if s.latest == nil {
		log.Println("No snapshot received yet")
		return
	}

	keys := make([]string, 0, len(s.latest))
	for key := range s.latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	s.print("Available keys (%d):", len(keys))
	for _, key := range keys {
		s.print("  %-24s %s", key, s.latest[key])
	}
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	if len(s.watches) == 0 {
		return
	}

	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, 0, len(s.watches))
	for i, key := range s.watches {
		s.columnWidths[i] = len(key)
		parts = append(parts, key)
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string)
}

// PrintRow prints the watched values, only when at least one changed
func (s *DebugState) PrintRow() {
	if len(s.watches) == 0 {
		return
	}
	if !s.headerPrinted {
		s.PrintHeader()
	}

	parts := make([]string, 0, len(s.watches))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, key := range s.watches {
		value, ok := s.latest[key]
		if !ok {
			value = "-"
		}
		newValues[key] = value

		width := s.columnWidths[i]
		if len(value) > width {
			width = len(value)
			s.columnWidths[i] = width
		}

		prev, hasPrev := s.prevValues[key]
		if !hasPrev || prev != value {
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

// handleDebugCommand processes a debug command
func handleDebugCommand(cmd string, state *DebugState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "watch":
		if len(parts) != 2 {
			log.Println("Usage: watch <key>")
			return
		}
		state.AddWatch(parts[1])

	case "unwatch":
		if len(parts) != 2 {
			log.Println("Usage: unwatch <key> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		state.RemoveWatch(parts[1])

	case "list":
		state.ListKeys()

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  list            - List all snapshot keys with current values")
		fmt.Println("  watch <key>     - Watch a key across cycles")
		fmt.Println("  unwatch <key>   - Remove a watch")
		fmt.Println("  unwatch --all   - Remove all watches")
		fmt.Println("  help            - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance, commandChan chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return
		}
		if err != nil {
			return // EOF
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for the debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cache := filepath.Join(cacheDir, "chargectl")
	_ = os.MkdirAll(cache, 0750)
	return filepath.Join(cache, "debug_history")
}

// debugWorker provides interactive introspection of control cycle snapshots
func debugWorker(ctx context.Context, cancel context.CancelFunc, snapshots <-chan Snapshot) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug console started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewDebugState()
	state.rl = rl

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(cmd, state)
		case snap := <-snapshots:
			state.latest = debugValues(snap)
			state.PrintRow()
		case <-ctx.Done():
			log.Println("Debug console stopped")
			return
		}
	}
}
