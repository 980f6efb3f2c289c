// Package logger builds the process-wide zerolog logger with file rotation.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Path is the log file location. Empty disables the file writer.
	Path string
	// Console mirrors log output to stderr in human-readable form.
	Console bool
	// Level is the minimum level; empty means info.
	Level string
}

// New returns a logger writing to a size-rotated file and, optionally,
// a console writer.
func New(opts Options) zerolog.Logger {
	var writers []io.Writer

	if opts.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    5,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	if opts.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(io.MultiWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// LogPath ensures the log directory under dataDir exists and returns the
// log file path inside it.
func LogPath(dataDir string) (string, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(logDir, "lanbeam.log"), nil
}
