// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"trafficwatch/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Called once at startup. Builds the global zerolog logger from config.
//
//  1. Format:
//     - LOG_PRETTY=true: coloured console output for a terminal
//     - otherwise: one JSON object per line for journald / log shippers
//
//  2. Common fields:
//     - every entry carries "service" and "instance"
//     - e.g. {"service":"trafficwatch","instance":"vpn1","message":"..."}
//
//  3. Sampling:
//     - with LOG_SAMPLE_N > 1, debug/info keep 1 in N entries
//     - warn and above are never sampled
//
// Components then log through github.com/rs/zerolog/log:
//
//	logger.Init(cfg)
//	log.Info().Str("path", cfg.AccessLog).Msg("ingestion started")
func Init(cfg config.Config) {

	// -------------------------------------------------------------------
	// 1) level
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) writer
	// -------------------------------------------------------------------
	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	} else {
		w = os.Stdout
	}

	// -------------------------------------------------------------------
	// 3) base logger with common fields
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) sampling
	// -------------------------------------------------------------------
	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	// -------------------------------------------------------------------
	// 5) install globally; stdlib log (database/sql drivers, nats) goes
	//    through zerolog too
	// -------------------------------------------------------------------
	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
