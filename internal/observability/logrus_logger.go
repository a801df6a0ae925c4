package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogrusConfig configures the logrus-backed Logger implementation.
type LogrusConfig struct {
	// FilePath, when non-empty, rotates structured logs through
	// lumberjack instead of (or in addition to) stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// AlsoStderr keeps human-readable output on stderr even when FilePath
	// is set.
	AlsoStderr bool

	JSON bool
}

// NewLogrusLogger builds a Logger backed by logrus, optionally rotating
// output through lumberjack when cfg.FilePath is set.
func NewLogrusLogger(cfg LogrusConfig) Logger {
	base := logrus.New()
	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		if cfg.AlsoStderr {
			out = io.MultiWriter(rotator, os.Stderr)
		} else {
			out = rotator
		}
	}
	base.SetOutput(out)

	return &logrusLogger{entry: base.WithField("component", "termconnect")}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *logrusLogger) Debug(msg string, fields ...Field) { l.withFields(fields).Debug(msg) }
func (l *logrusLogger) Info(msg string, fields ...Field)  { l.withFields(fields).Info(msg) }
func (l *logrusLogger) Warn(msg string, fields ...Field)  { l.withFields(fields).Warn(msg) }
func (l *logrusLogger) Error(msg string, fields ...Field) { l.withFields(fields).Error(msg) }
