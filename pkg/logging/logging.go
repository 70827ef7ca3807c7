// Package logging is the structured logging sink the connection and
// channel state machines log through, built the way the teacher's
// observability package builds a *zap.Logger from a LogConfig:
// level/format/outputs/rotation driven by configuration, never
// log.Printf in the hot path.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mruell/amqp091-go/pkg/config"
)

// Field is a structured key/value pair attached to a log line. It is
// an alias for zap.Field so callers never need to import zap directly.
type Field = zap.Field

// Logger is the sink interface the connection/channel FSMs depend on,
// satisfied by *zap.Logger through the adapter below.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type zapLogger struct{ z *zap.Logger }

func (l zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l zapLogger) With(fields ...Field) Logger       { return zapLogger{z: l.z.With(fields...)} }

// Nop is a Logger that discards everything, used as the default when a
// caller does not configure one explicitly.
var Nop Logger = zapLogger{z: zap.NewNop()}

// New builds a Logger from c, mirroring the teacher's SetupLogger:
// level parsing, console/json encoder choice, one core per configured
// output, file outputs rotating through lumberjack when enabled.
func New(c config.LogConfig) (Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info", "":
		level.SetLevel(zap.InfoLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := defaultEncoderConfig(c.Development)
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
		default:
			var ws zapcore.WriteSyncer
			if c.Rotation.Enable {
				ws = zapcore.AddSync(&lumberjack.Logger{
					Filename:   chooseFilename(out, c),
					MaxSize:    atLeast(c.Rotation.MaxSizeMB, 10),
					MaxBackups: atLeast(c.Rotation.MaxBackups, 1),
					MaxAge:     atLeast(c.Rotation.MaxAgeDays, 7),
					Compress:   c.Rotation.Compress,
				})
			} else {
				if dir := dirOf(out); dir != "" {
					_ = os.MkdirAll(dir, 0o755)
				}
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					ws = zapcore.AddSync(os.Stderr)
				} else {
					ws = zapcore.AddSync(f)
				}
			}
			cores = append(cores, zapcore.NewCore(encoder, ws, level))
		}
	}

	core := zapcore.NewTee(cores...)
	opts := []zap.Option{zap.AddCaller()}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	return zapLogger{z: zap.New(core, opts...)}, nil
}

func defaultEncoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	return zap.NewProductionEncoderConfig()
}

func atLeast(v, floor int) int {
	if v > floor {
		return v
	}
	return floor
}

func chooseFilename(out string, c config.LogConfig) string {
	if c.Rotation.Enable && strings.TrimSpace(c.Rotation.Filename) != "" {
		return c.Rotation.Filename
	}
	return out
}

func dirOf(path string) string {
	i := strings.LastIndexAny(path, "/\\")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// String, Int, Uint16, Err, Duration and Bool re-export the zap field
// constructors so callers of this package never import zap directly.
var (
	String   = zap.String
	Int      = zap.Int
	Uint16   = zap.Uint16
	Err      = zap.Error
	Duration = zap.Duration
	Bool     = zap.Bool
)
