package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output modes for service stdout/stderr.
const (
	// OutputInherit passes the child's stdout/stderr through to the
	// supervisor's own, the usual choice for container logs.
	OutputInherit = "inherit"
	// OutputDiscard connects the child to /dev/null.
	OutputDiscard = "discard"
	// OutputFile writes to rotated files per the remaining fields.
	OutputFile = "file"
)

// Config describes where a service's stdout/stderr go.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Output     string `json:"output"`      // inherit (default), discard, or file
	Dir        string `json:"dir"`         // base directory for logs
	StdoutPath string `json:"stdout_path"` // explicit stdout path overrides Dir
	StderrPath string `json:"stderr_path"` // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"` // gzip rotated files
}

// Mode resolves the effective output mode: an explicit Output wins; file
// paths imply file mode; everything else inherits.
func (c Config) Mode() string {
	switch c.Output {
	case OutputInherit, OutputDiscard, OutputFile:
		return c.Output
	}
	if c.Dir != "" || c.StdoutPath != "" || c.StderrPath != "" {
		return OutputFile
	}
	return OutputInherit
}

// Validate rejects unknown output modes and file mode without a destination.
func (c Config) Validate() error {
	switch c.Output {
	case "", OutputInherit, OutputDiscard, OutputFile:
	default:
		return fmt.Errorf("unknown log output %q", c.Output)
	}
	if c.Output == OutputFile && c.Dir == "" && c.StdoutPath == "" && c.StderrPath == "" {
		return fmt.Errorf("log output %q requires dir or explicit paths", OutputFile)
	}
	return nil
}

// Writers returns io.WriteClosers for stdout and stderr for the given
// service name when the config resolves to file mode.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return outW, errW, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Setup builds the supervisor's own slog logger. Formats: "text", "json",
// or "color" (text with ANSI level colors). Unknown level or format values
// fall back to info/text. The logger writes to stderr so it never mixes
// with inherited service stdout.
func Setup(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "color":
		h = NewColorTextHandler(os.Stderr, opts, true)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
