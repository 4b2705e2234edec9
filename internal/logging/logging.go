// Package logging builds the zap loggers threaded through every
// component constructor in this repository. There is no process-wide
// global logger; each component is handed one explicitly, matching the
// reference engine's practice of passing collaborators through
// constructors rather than reaching for package-level state.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how New builds a logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// FilePath, if set, routes output through a rotating file sink
	// instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Development enables human-readable console encoding; otherwise
	// output is JSON.
	Development bool
}

func (o Options) level() zapcore.Level {
	switch o.Level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a *zap.Logger per opts. Callers that don't want logging
// (most unit tests) should use Nop() directly rather than calling this
// with a disabled level, to avoid paying encoding costs.
func New(opts Options) (*zap.Logger, error) {
	var sink zapcore.WriteSyncer
	if opts.FilePath != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    nonZero(opts.MaxSizeMB, 100),
			MaxBackups: nonZero(opts.MaxBackups, 5),
			MaxAge:     nonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if opts.Development {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, sink, opts.level())
	return zap.New(core, zap.AddCaller()), nil
}

// Nop returns a logger that discards everything, for tests and
// components under construction that haven't been wired to a real
// sink yet.
func Nop() *zap.Logger { return zap.NewNop() }

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
