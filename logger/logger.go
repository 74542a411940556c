package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLevel names the environment variable holding the log level.
const EnvLevel = "LOG_LEVEL"

// Options controls where and how the logger writes.
type Options struct {
	// File receives JSON logs when set. Otherwise logs go to Out.
	File string
	// Pretty selects zerolog's console writer. Not valid together with File.
	Pretty bool
	// Out defaults to os.Stderr so log lines never mix with command output.
	Out io.Writer
	// Level overrides LOG_LEVEL when non-empty.
	Level string
}

// Init initializes a logger writing JSON to stderr at the level named by
// LOG_LEVEL (debug, info, warn, error, trace).
func Init() (zerolog.Logger, error) {
	return InitWithOptions(Options{})
}

// InitWithOptions initializes the logger with the specified options. A log
// file stays open for the life of the process; use New to close it.
func InitWithOptions(opts Options) (zerolog.Logger, error) {
	logger, _, err := New(opts)
	return logger, err
}

// New builds a logger and returns a closer for its log file. The closer is a
// no-op when logging to a stream.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	if opts.File != "" && opts.Pretty {
		return zerolog.Logger{}, nil, fmt.Errorf("pretty output cannot be combined with a log file")
	}

	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv(EnvLevel)
	}
	level := parseLogLevel(levelName)

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	var output io.Writer
	switch {
	case opts.File != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		output = file
		closer = file
	case opts.Pretty:
		output = zerolog.ConsoleWriter{Out: out}
	default:
		output = out
	}

	log := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	if opts.File != "" {
		log.Debug().Str("path", opts.File).Str("level", level.String()).Msg("Logger initialized")
	} else {
		log.Debug().Bool("pretty", opts.Pretty).Str("level", level.String()).Msg("Logger initialized")
	}
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
