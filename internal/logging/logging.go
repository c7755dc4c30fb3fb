// Package logging builds the zap loggers used by the agent and forwards log
// entries to a replaceable text-line callback.
package logging

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config level name to a zap level. Unknown names map to
// info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "trace", "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// New builds a production logger. Format "console" switches to the
// human-readable encoder.
func New(level zapcore.Level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Sink forwards log entries as plain text lines to at most one callback.
// Setting a new callback replaces the previous one.
type Sink struct {
	fn atomic.Pointer[func(string)]
}

// Set installs fn as the callback; nil removes it
func (s *Sink) Set(fn func(string)) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

func (s *Sink) emit(line string) bool {
	fn := s.fn.Load()
	if fn == nil {
		return false
	}
	(*fn)(line)
	return true
}

// Core returns a zapcore.Core writing entries at or above level to the sink
func (s *Sink) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &sinkCore{
		LevelEnabler: level,
		sink:         s,
		enc: zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			LevelKey:         "level",
			NameKey:          "logger",
			MessageKey:       "msg",
			EncodeLevel:      zapcore.CapitalLevelEncoder,
			EncodeName:       zapcore.FullNameEncoder,
			EncodeDuration:   zapcore.StringDurationEncoder,
			ConsoleSeparator: " ",
		}),
	}
}

// Attach tees the sink onto an existing logger
func (s *Sink) Attach(logger *zap.Logger, level zapcore.LevelEnabler) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, s.Core(level))
	}))
}

type sinkCore struct {
	zapcore.LevelEnabler
	sink *Sink
	enc  zapcore.Encoder
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(enc)
	}
	return &sinkCore{LevelEnabler: c.LevelEnabler, sink: c.sink, enc: enc}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) && c.sink.fn.Load() != nil {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()
	c.sink.emit(line)
	return nil
}

func (c *sinkCore) Sync() error {
	return nil
}
