// Package logging builds the zap loggers used by the datastream binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger configuration.
type Config struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
	// Format is "json" or "console". Empty picks console in development
	// mode and json otherwise.
	Format      string   `toml:"format"`
	Development bool     `toml:"development"`
	OutputPaths []string `toml:"output_paths" split_words:"true"`
}

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// DefaultConfig logs JSON at info level to stderr. Stdout is left to the
// read and inspect subcommands.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		OutputPaths: []string{"stderr"},
	}
}

// New creates a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	format, err := ParseFormat(cfg.Format, cfg.Development)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = format
	zapCfg.OutputPaths = outputs
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.TimeKey = "time"
	zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	// Durations print as "1.5ms".
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	return zapCfg.Build()
}

// NewDefault creates a logger with DefaultConfig, falling back to a no-op logger.
func NewDefault() *zap.Logger {
	logger, err := New(DefaultConfig())
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ParseLevel converts a level name to a zapcore.Level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// ParseFormat validates an encoding name. Empty defaults by development mode.
func ParseFormat(format string, development bool) (string, error) {
	switch format {
	case "":
		if development {
			return FormatConsole, nil
		}
		return FormatJSON, nil
	case FormatJSON, FormatConsole:
		return format, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}
