// Package logging provides structured logging for the POS write queue.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// global logger instance
	global zerolog.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, level string) {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		zerolog.MessageFieldName = "msg"
		zerolog.TimestampFieldName = "ts"

		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			lvl = zerolog.InfoLevel
		}

		global = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	})
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	Init(os.Stdout, "info")
	return &global
}

// Component returns a child logger tagged with a component name, so log lines
// from the store, engine and monitor can be told apart.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}
