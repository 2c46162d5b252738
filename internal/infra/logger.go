package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so the rest of the codebase depends on one
// stable name for the logging contract instead of importing the third-party
// module everywhere.
type Logger = zerolog.Logger

// NewLogger builds the process logger. Development runs get human-readable
// console output at debug level; everything else logs structured JSON at
// info level.
func NewLogger(appEnv string) Logger {
	var out io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}
