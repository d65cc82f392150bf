// Package logger builds the service's structured zerolog loggers.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log level and destination.
type Config struct {
	Level      string `json:"level"`
	Debug      bool   `json:"debug"`
	Output     string `json:"output"`
	TimeFormat string `json:"time_format,omitempty"`
}

// DefaultConfig reads LOG_LEVEL, DEBUG and LOG_OUTPUT from the environment.
func DefaultConfig() Config {
	cfg := Config{
		Level:  "info",
		Output: "stderr",
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		cfg.Debug = true
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		cfg.Output = output
	}
	return cfg
}

// New returns a logger writing JSON lines to the configured output.
func New(config Config) (zerolog.Logger, error) {
	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	}
	return NewWithWriter(config, output)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(config Config, output io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return zerolog.Nop(), err
		}
		level = parsed
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}

// WithComponent tags every entry with the component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
