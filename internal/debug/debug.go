package debug

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (session summary, clamped settings, faults)
	LevelLive    = 2 // Live info (state changes, frames, pulses)
	LevelVerbose = 3 // Verbose (setter details, steps)
	LevelTrace   = 4 // Trace (GPIO, serial bytes, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *zap.SugaredLogger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session summary, clamped settings, faults)
// 2 = live info (state changes, frames grabbed, trigger pulses)
// 3 = verbose (setter details, steps, configuration dumps)
// 4 = trace (GPIO, serial protocol, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects all debug output to w (e.g. a tee into the SSE broadcaster).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if logger != nil {
		_ = logger.Sync()
	}
	if level <= LevelOff {
		logger = nil
		return
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "t"
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	encCfg.ConsoleSeparator = " "
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), zap.DebugLevel)
	logger = zap.New(core).Named("syncgrab").Sugar()
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func logf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l := logger
	enabled := level >= minLevel
	mu.RUnlock()
	if enabled && l != nil {
		l.Infof(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary banner (level 1).
func Summary(title string) {
	logf(LevelInfo, "═══════════════════════════════════════")
	logf(LevelInfo, "  %s", title)
	logf(LevelInfo, "═══════════════════════════════════════")
}

// Adjust reports a setter value that was clamped to the device range (level 1).
func Adjust(camera, feature string, requested, applied float64) {
	logf(LevelInfo, "[INFO] Camera %s: %s %g out of range, applied %g", camera, feature, requested, applied)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE] "+format, args...)
}

// State prints an acquisition loop state transition (level 2).
func State(camera, from, to string) {
	logf(LevelLive, "[LIVE] Camera %s: %s -> %s", camera, from, to)
}

// Frame prints a grabbed frame (level 2).
func Frame(camera string, seq uint64) {
	logf(LevelLive, "[LIVE] Camera %s: frame %d", camera, seq)
}

// Pulse prints an observed trigger pulse (level 2).
func Pulse(seq uint64, channel uint8) {
	logf(LevelLive, "[LIVE] Trigger pulse %d (channel %d)", seq, channel)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	logf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logf(LevelVerbose, "  %s", name)
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	logf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// Serial prints raw bytes exchanged with the trigger device (level 4).
func Serial(direction string, data []byte) {
	logf(LevelTrace, "[SERIAL] %s % x", direction, data)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	logf(LevelInfo, "[ERROR] %v", err)
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
