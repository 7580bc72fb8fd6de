// Package rpclog builds the zap logger used by the command line tools.
// Library packages never create loggers themselves; they take a *zap.Logger
// through their options and default to a no-op logger.
package rpclog

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string `help:"Log level (debug, info, warn, error)." default:"info"`
	Format string `help:"Log encoding." enum:"console,json" default:"console"`
	File   string `help:"Also write logs to this file, rotated at 100MB." type:"path"`
}

// New builds a logger writing to stderr and, if o.File is set, to a rotated file.
func New(o Options) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(o.Level))); err != nil {
		return nil, errors.Wrapf(err, "log level %q", o.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch o.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, errors.Errorf("log format %q", o.Format)
	}

	writers := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if o.File != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), level)
	return zap.New(core, zap.AddCaller()), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
