// Package logger wires the process-wide structured logger.
//
// Framework init, seize and seize-expiry events, and the plugins' own
// accept/retire/reset decisions go through this logger so operators
// get one append-only stream regardless of which framework plugin
// produced the event. The coordinator's AcceptResource,
// ReturnResource, RetireResource and ResetResource do not log the
// transition themselves.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, ready to use with zero-value
// defaults even before Initialize runs (tests rely on this).
var Log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Initialize configures the global logger's level and output format.
// Call once at process start, before the tick loop begins.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "fc-coordinator").Logger()

	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a logger scoped to a named subsystem (a
// framework plugin, the coordinator, the cluster client, ...).
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
