package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for per-module log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes per-module log file destinations.
// One file per module under Dir, named <module-name>.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Path returns the log file path for the named module, or "" when no log
// directory is configured.
func (c Config) Path(name string) string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
}

// Writer returns a rotating io.WriteCloser for the named module's log file,
// or nil when no log directory is configured.
func (c Config) Writer(name string) io.WriteCloser {
	p := c.Path(name)
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the application logger writing colored text to stderr.
func New(level slog.Level) *slog.Logger {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, true)
	return slog.New(h)
}
