// Package debug provides category-gated diagnostic logging for the
// knowledge-base index service. Output is suppressed entirely in MCP
// (stdio transport) mode so stray writes never corrupt protocol framing.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnableDebug is a build flag overridable at link time:
// go build -ldflags "-X github.com/standardbeagle/kbindex/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// MCPMode tracks whether we are serving the stdio transport (set by main).
var MCPMode = false

// Level is a logging verbosity gate, configured via LOG_LEVEL.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = map[string]Level{
	"error": LevelError,
	"warn":  LevelWarn,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

var (
	debugOutput io.Writer
	debugFile   *os.File
	debugMutex  sync.Mutex
	level       = LevelInfo
)

func init() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, ok := levelNames[v]; ok {
			level = lvl
		}
	}
}

// SetMCPMode enables MCP mode, which suppresses all debug output to stdio.
func SetMCPMode(enabled bool) {
	MCPMode = enabled
}

// SetLevel overrides the configured verbosity gate.
func SetLevel(l Level) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	level = l
}

// SetDebugOutput sets a custom writer for debug output. Pass nil to disable.
func SetDebugOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitDebugLogFile initializes debug logging to a timestamped file under
// the OS temp directory and returns its path.
func InitDebugLogFile() (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	logDir := filepath.Join(os.TempDir(), "kbindex-debug-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseDebugLog closes the debug log file if one is open.
func CloseDebugLog() error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		err := debugFile.Close()
		debugFile = nil
		debugOutput = nil
		return err
	}
	return nil
}

func enabled(l Level) bool {
	if MCPMode {
		return false
	}
	if EnableDebug == "true" {
		return true
	}
	debugMutex.Lock()
	cur := level
	debugMutex.Unlock()
	return l <= cur
}

func writer() io.Writer {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return debugOutput
}

func logAt(l Level, component, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	w := writer()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[%s] "+format+"\n", append([]interface{}{component}, args...)...)
}

// LogCache logs analysis-cache (C2) diagnostics.
func LogCache(format string, args ...interface{}) { logAt(LevelDebug, "CACHE", format, args...) }

// LogWatch logs file-watcher (C3) diagnostics.
func LogWatch(format string, args ...interface{}) { logAt(LevelDebug, "WATCH", format, args...) }

// LogWorker logs worker-pool (C4) diagnostics.
func LogWorker(format string, args ...interface{}) { logAt(LevelDebug, "WORKER", format, args...) }

// LogResolver logs cross-file resolver (C5) diagnostics.
func LogResolver(format string, args ...interface{}) { logAt(LevelDebug, "RESOLVER", format, args...) }

// LogAnalyzer logs incremental analyzer (C6) diagnostics.
func LogAnalyzer(format string, args ...interface{}) { logAt(LevelInfo, "ANALYZER", format, args...) }

// LogGraph logs knowledge-graph (C7) diagnostics.
func LogGraph(format string, args ...interface{}) { logAt(LevelDebug, "GRAPH", format, args...) }

// LogMigrator logs backend migrator (C8) diagnostics.
func LogMigrator(format string, args ...interface{}) { logAt(LevelInfo, "MIGRATOR", format, args...) }

// LogStorage logs storage-backend (C1) diagnostics.
func LogStorage(format string, args ...interface{}) { logAt(LevelDebug, "STORAGE", format, args...) }

// LogToolserver logs tool-dispatch transport diagnostics.
func LogToolserver(format string, args ...interface{}) { logAt(LevelInfo, "TOOLSERVER", format, args...) }

// LogCLI logs command-line entry point diagnostics.
func LogCLI(format string, args ...interface{}) { logAt(LevelInfo, "CLI", format, args...) }

// Warn logs a warning-level message, still suppressed entirely in MCP mode.
func Warn(component, format string, args ...interface{}) {
	logAt(LevelWarn, component, format, args...)
}

// Fatal formats a catastrophic error message, logs it (unless in MCP mode),
// and returns it as an error for the caller to propagate.
func Fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if !MCPMode {
		if w := writer(); w != nil {
			fmt.Fprintf(w, "[FATAL] %s\n", msg)
		}
	}
	return fmt.Errorf("fatal error: %s", msg)
}
