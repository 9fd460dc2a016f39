package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

var (
	mu       sync.RWMutex
	logger   zerolog.Logger
	out      io.Writer = os.Stderr
	format             = FormatJSON
	minLevel           = LevelInfo
)

func init() {
	rebuild()
}

// rebuild recreates the global logger from the current output, format and
// level. Callers must hold mu for writing (or be init).
func rebuild() {
	w := out
	if format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano}
	}
	logger = zerolog.New(w).
		Level(toZerolog(minLevel)).
		With().
		Timestamp().
		Str("service", "calremind").
		Logger()
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
	rebuild()
}

// SetFormat switches between JSON lines and human readable console output.
func SetFormat(f Format) {
	mu.Lock()
	defer mu.Unlock()
	switch f {
	case FormatConsole:
		format = FormatConsole
	default:
		format = FormatJSON
	}
	rebuild()
}

// SetOutput redirects all log output. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// ParseLevel maps a config string onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	current().Debug().Fields(pairs(kv)).Msg(msg)
}

func Info(msg string, kv ...any) {
	current().Info().Fields(pairs(kv)).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	current().Error().Err(err).Fields(pairs(kv)).Msg(msg)
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// pairs drops a trailing key without a value and any non-string key, the
// same way the old line formatter did.
func pairs(kv []any) []any {
	if len(kv) == 0 {
		return nil
	}
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		if _, ok := kv[i].(string); !ok {
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}
