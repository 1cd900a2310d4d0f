// Package utils
package utils

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// LogOptions configure the process logger. Only the first call to GetLogger applies them.
type LogOptions struct {
	Level  string
	Format string // text or json
	File   string // optional, appended to in addition to stderr
}

// GetLogger returns the process logger, building it on first use.
func GetLogger(opts ...LogOptions) *logrus.Logger {
	once.Do(func() {
		var o LogOptions
		if len(opts) > 0 {
			o = opts[0]
		}
		l, err := NewLogger(o)
		if err != nil {
			l = logrus.New()
			l.WithError(err).Warn("falling back to default logger")
		}
		logger = l
	})
	return logger
}

// NewLogger builds a logger from opts.
func NewLogger(o LogOptions) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	if o.Level != "" {
		lvl, err := logrus.ParseLevel(o.Level)
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}

	switch o.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", o.Format)
	}

	if o.File != "" {
		file, err := os.OpenFile(o.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		l.SetOutput(io.MultiWriter(os.Stderr, file))
	}
	return l, nil
}
