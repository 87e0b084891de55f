// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetLevel sets the log level of the default (logrus-backed)
// outputter. It should be called once at the beginning of a
// program's main.
func SetLevel(level Level) {
	if o, ok := out.(*logrusOutputter); ok {
		o.level = level
	}
}

// SetLogger directs the default outputter to the provided logrus
// logger, replacing the package-owned one. It allows embedding
// applications to unify engine logs with their own logrus
// configuration.
func SetLogger(logger *logrus.Logger) {
	if o, ok := out.(*logrusOutputter); ok {
		o.logger = logger
	}
}

type logrusOutputter struct {
	logger *logrus.Logger
	level  Level
}

func newLogrusOutputter() *logrusOutputter {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	// Filtering happens in Output; logrus itself passes everything
	// through.
	logger.SetLevel(logrus.DebugLevel)
	return &logrusOutputter{logger: logger, level: Info}
}

func (o *logrusOutputter) Level() Level { return o.level }

func (o *logrusOutputter) Output(_ int, level Level, s string) error {
	if o.level < level {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	switch {
	case level <= Error:
		o.logger.Error(s)
	case level == Info:
		o.logger.Info(s)
	default:
		o.logger.Debug(s)
	}
	return nil
}
