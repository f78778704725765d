// Package logger provides named, leveled loggers shared by all HieraChain-Swarm components.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the global logger.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns an info-level console logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
	}
}

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	rootMu sync.RWMutex
	root   *zap.Logger
)

// InitGlobalLogger (re)builds the root logger from cfg. Loggers returned by NewLogger
// before the call keep their previous sink but follow level changes.
func InitGlobalLogger(cfg Config) error {
	if err := SetLevel(cfg.Level); err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Sampling = nil
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zcfg.Encoding = "json"
	default:
		return errors.Newf("unknown log format %q", cfg.Format)
	}

	l, err := zcfg.Build()
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}

	rootMu.Lock()
	root = l
	rootMu.Unlock()
	return nil
}

// SetLevel changes the level of every logger created by this package.
func SetLevel(lvl string) error {
	if lvl == "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return errors.Wrapf(err, "invalid log level %q", lvl)
	}
	level.SetLevel(l)
	return nil
}

// NewLogger returns a logger named after the component using it.
func NewLogger(name string) *zap.SugaredLogger {
	rootMu.RLock()
	l := root
	rootMu.RUnlock()

	if l == nil {
		rootMu.Lock()
		if root == nil {
			root = zap.New(zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.Lock(os.Stderr),
				level,
			))
		}
		l = root
		rootMu.Unlock()
	}

	return l.Named(name).Sugar()
}

// NewNopLogger returns a logger that discards everything. Handy in tests.
func NewNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
