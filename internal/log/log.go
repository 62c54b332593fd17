// Package log constructs session-scoped loggers. Unlike a process-wide
// global logger, every component is handed its own *zap.SugaredLogger at
// construction time so tests can inject a discard sink and multiple
// sessions in the same process never share log state.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum enabled log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// OutputPaths are zap sink URLs, e.g. "stdout" or a file path. Defaults
	// to ["stdout"].
	OutputPaths []string `yaml:"output_paths"`

	// Disable silences all output. Useful for tests.
	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

// New creates a new *zap.Logger from config. If config.Disable is set a
// no-op logger is returned. Otherwise, if base is non-nil, base is
// returned unchanged: config's level and output paths are not applied to
// it.
func New(config Config, base *zap.Logger) (*zap.Logger, error) {
	config = config.applyDefaults()

	if config.Disable {
		return zap.NewNop(), nil
	}

	if base != nil {
		return base, nil
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = config.OutputPaths
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}

// NewNop returns a logger that discards everything, for tests that do not
// want to assert on logging.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
