// Package logging builds the zap logger used throughout passrunner.
//
// Components log through named children of the root logger ("search",
// "secret", "session", ...). The level of each component can be raised or
// lowered on its own through config.LogConfig.Levels.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forest6511/passrunner/internal/config"
)

// Component logger names.
const (
	Init      = "init"
	Search    = "search"
	Secret    = "secret"
	Session   = "session"
	Clipboard = "clipboard"
	DBus      = "dbus"
	MCP       = "mcp"
)

// New creates the root logger writing to stderr.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	return NewWithSink(cfg, zapcore.Lock(os.Stderr))
}

// NewWithSink creates the root logger writing to sink.
func NewWithSink(cfg config.LogConfig, sink zapcore.WriteSyncer) (*zap.Logger, error) {
	base, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]zapcore.Level, len(cfg.Levels))
	for name, text := range cfg.Levels {
		l, err := parseLevel(text)
		if err != nil {
			return nil, fmt.Errorf("log level for %q: %w", name, err)
		}
		levels[name] = l
	}

	enc, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	return zap.New(WithLevels(zapcore.NewCore(enc, sink, zapcore.DebugLevel), base, levels)), nil
}

func parseLevel(text string) (zapcore.Level, error) {
	if text == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(text))); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) (zapcore.Encoder, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "", "console":
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg), nil
	case "json":
		return zapcore.NewJSONEncoder(encoderCfg), nil
	default:
		return nil, fmt.Errorf("format must be 'json' or 'console', got %q", format)
	}
}

// levelCore filters entries by the level of the component that logged
// them. The component is the first segment of the logger name.
type levelCore struct {
	zapcore.Core
	base   zapcore.Level
	levels map[string]zapcore.Level
	min    zapcore.Level
}

// WithLevels wraps core so that entries below the level of their component
// are dropped. Components missing from levels use base.
func WithLevels(core zapcore.Core, base zapcore.Level, levels map[string]zapcore.Level) zapcore.Core {
	lowest := base
	for _, l := range levels {
		if l < lowest {
			lowest = l
		}
	}
	return &levelCore{Core: core, base: base, levels: levels, min: lowest}
}

func (c *levelCore) Enabled(l zapcore.Level) bool {
	return l >= c.min && c.Core.Enabled(l)
}

func (c *levelCore) Level() zapcore.Level {
	return c.min
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), base: c.base, levels: c.levels, min: c.min}
}

func (c *levelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level < c.levelFor(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

func (c *levelCore) levelFor(name string) zapcore.Level {
	component, _, _ := strings.Cut(name, ".")
	if l, ok := c.levels[component]; ok {
		return l
	}
	return c.base
}

// Redacted creates a Zap field with redacted value and length.
func Redacted(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// Sync flushes log, ignoring the errors stderr gives when it is a terminal.
func Sync(log *zap.Logger) error {
	err := log.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// isStdoutSyncError checks if error is harmless stdout/stderr sync error.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
