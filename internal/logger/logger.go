// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level, format and destination.
type Config struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // json | console
	Output   string `yaml:"output"` // stdout | stderr | file
	FilePath string `yaml:"file_path"`
}

// Init installs the global logger. Components derive their own loggers with For.
func Init(cfg Config) error {
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return fmt.Errorf("log output 'file' requires file_path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.FilePath, err)
		}
		out = f
	default:
		return fmt.Errorf("unknown log output %q", cfg.Output)
	}

	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// For returns a child of the global logger tagged with component.
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
