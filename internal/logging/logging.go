// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and an optional rotated log file.
type Options struct {
	Level  string
	Format string
	File   string

	// Out defaults to stderr.
	Out io.Writer
}

// New builds a logger. The returned closer flushes and closes the log file
// and is never nil.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, rotated)
		closer = rotated
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(formatter(opts.Format))
	return l, closer, nil
}

// ParseLevel accepts logrus level names, case-insensitively. Empty means
// info.
func ParseLevel(s string) (logrus.Level, error) {
	if strings.TrimSpace(s) == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func formatter(format string) logrus.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{}
	default:
		return &logrus.TextFormatter{FullTimestamp: true}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
