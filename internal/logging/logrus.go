// Package logging provides the production core.Logger implementation
// backed by logrus, selected by ENABLE_STRUCTURED_LOGGING and LOG_LEVEL
// (spec §6).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/lattice-run/wasmhost/internal/core"
)

// Config controls the logrus-backed logger's formatter and level.
type Config struct {
	Structured bool
	Level      string
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a core.Logger backed by logrus. Structured selects the JSON
// formatter; otherwise a human-readable text formatter is used, matching
// the teacher's ENABLE_STRUCTURED_LOGGING toggle.
func New(cfg Config) core.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if cfg.Structured {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// fieldsFrom pairs up the variadic key-value fields the core.Logger
// interface accepts, mirroring the teacher's MockLogger field recording.
func fieldsFrom(fields []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		f[key] = fields[i+1]
	}
	return f
}

func (l *logrusLogger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(fieldsFrom(fields)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(fieldsFrom(fields)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(fieldsFrom(fields)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(fieldsFrom(fields)).Error(msg)
}

func (l *logrusLogger) Fatal(msg string, fields ...interface{}) {
	l.entry.WithFields(fieldsFrom(fields)).Fatal(msg)
}
