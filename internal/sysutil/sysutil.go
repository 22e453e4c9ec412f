// Package sysutil holds process-level helpers used by cmd/ledgerd: global
// logger setup and the ticker loop that drives background workers.
package sysutil

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level. Unknown or empty values mean
// info.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetupLogger installs the global logger: JSON lines on w, or a console
// writer when pretty is set. A nil w means stdout.
func SetupLogger(w io.Writer, level string, pretty bool, service string) {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	SetLogLevel(level)
}

// Every runs fn once per interval until ctx is done. Errors are logged and
// the loop continues. A non-positive interval disables the worker.
func Every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		log.Info().Str("worker", name).Msg("worker disabled")
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info().Str("worker", name).Dur("interval", interval).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker", name).Msg("worker stopped")
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("worker", name).Msg("worker run failed")
			}
		}
	}
}
