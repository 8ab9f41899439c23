// Package debug holds the process logger. Debug output is off unless
// SLIMESOCCER_DEBUG is set to a true value or Enable is called.
package debug

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvDebug    = "SLIMESOCCER_DEBUG"
	EnvLogLevel = "SLIMESOCCER_LOG_LEVEL"
)

var (
	debugOn atomic.Bool

	mu     sync.RWMutex
	logger zerolog.Logger
)

func init() {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)

	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		logger = logger.Level(lvl)
	}
	if raw, exists := os.LookupEnv(EnvDebug); exists {
		if val, err := strconv.ParseBool(raw); err == nil && val {
			Enable()
		}
	}
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetOutput replaces the writer behind the process logger, keeping its level.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(logger.GetLevel())
}

// SetLevel changes the process log level.
func SetLevel(lvl zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(lvl)
}

func Printf(format string, v ...interface{}) {
	if !debugOn.Load() {
		return
	}
	l := Logger()
	l.Debug().Msgf(format, v...)
}

func Enabled() bool {
	return debugOn.Load()
}

// Enable turns on Printf output and lowers the level to debug if needed.
func Enable() {
	debugOn.Store(true)
	mu.Lock()
	if logger.GetLevel() > zerolog.DebugLevel {
		logger = logger.Level(zerolog.DebugLevel)
	}
	mu.Unlock()
}

func Disable() {
	debugOn.Store(false)
}

// ParseLevel maps a level name to a zerolog level. The boolean is false for
// empty or unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
