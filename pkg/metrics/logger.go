package metrics

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Log output formats accepted by NewLogger.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const consoleTimeFormat = "15:04:05.000"

// ParseLevel maps a configured level name to a zerolog level. An empty name
// is info; "silent", "off" and "none" disable logging.
func ParseLevel(name string) (zerolog.Level, error) {
	switch name = strings.ToLower(strings.TrimSpace(name)); name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "silent", "off", "none":
		return zerolog.Disabled, nil
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.NoLevel, errors.Errorf("invalid log level %q", name)
	}
	return lvl, nil
}

// NewLogger builds a timestamped logger writing to w. Text output goes
// through zerolog's console writer, colored only on a terminal.
func NewLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch strings.ToLower(format) {
	case "", LogFormatText:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat, NoColor: !isTerminal(w)}
	case LogFormatJSON:
	default:
		return zerolog.Nop(), errors.Errorf("invalid log format %q (use text or json)", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	return w == os.Stdout || w == os.Stderr
}

// componentLogger tags l, or the global logger when nil, with a component.
func componentLogger(l *zerolog.Logger, component string) zerolog.Logger {
	if l == nil {
		l = GetLogger()
	}
	return l.With().Str("component", component).Logger()
}

var (
	globalLoggerMu sync.RWMutex
	globalLogger   = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// SetLogger replaces the logger used when a component is given none.
func SetLogger(l zerolog.Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns a copy of the global logger.
func GetLogger() *zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	l := globalLogger
	return &l
}
