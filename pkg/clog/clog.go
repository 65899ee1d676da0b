// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides global conditional logging for fedcore components.
package clog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var enabled = false

// Enable turns on conditional log output.
func Enable() {
	enabled = true
}

// CLogger logs output in the manner of logrus but can be conditionally
// enabled. By default, conditional logging is disabled; Errorf always logs.
type CLogger struct {
	entry *logrus.Entry
}

// New creates a new conditional logger with the given prefix, carried as the
// "component" structured field on every record.
func New(prefixFormat string, prefixArgs ...any) *CLogger {
	prefix := fmt.Sprintf(prefixFormat, prefixArgs...)
	return &CLogger{entry: logrus.WithField("component", prefix)}
}

// WithField returns a derived logger carrying an additional structured field.
func (c *CLogger) WithField(key string, value any) *CLogger {
	return &CLogger{entry: c.entry.WithField(key, value)}
}

// Printf logs output conditionally (if Enable has been called).
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.entry.Infof(format, a...)
}

// Errorf logs output unconditionally, i.e. always.
func (c *CLogger) Errorf(format string, a ...any) {
	c.entry.Errorf(format, a...)
}

// Warnf logs output unconditionally at warning level.
func (c *CLogger) Warnf(format string, a ...any) {
	c.entry.Warnf(format, a...)
}

// Init configures the process-wide logrus formatter and level. Call once at
// process startup, before any CLogger is used.
func Init(jsonFormat bool, level string) error {
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("clog: invalid level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}
