// Package logger builds the zap.Logger shared by every component of the
// pipeline. Worker processes log once, structured, never with fmt.Printf.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration; the worker process fills it from
// CASPER_LOG_* environment variables (see internal/app.NewLogger).
type Config struct {
	Level       string
	Format      string
	Development bool
	OutputPaths []string
}

// New builds a *zap.Logger from Config. Unparseable levels fall back to
// info rather than failing startup over a log-config typo.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer := zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout))
	core := zapcore.NewCore(encoder, writeSyncer, level)

	options := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		options = append(options, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, options...), nil
}

// NewNop returns a logger that discards everything, for tests that don't
// care about log output but still need a non-nil *zap.Logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// WithWorker returns a child logger tagging every entry with the worker
// id, the same identity the /configs report exposes.
func WithWorker(base *zap.Logger, workerID int) *zap.Logger {
	return base.With(zap.Int("worker_id", workerID))
}
