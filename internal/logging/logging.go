// File: internal/logging/logging.go
// Package logging provides the field-tagged logrus logger used across the
// reactor and connection code paths, replacing the single info/error log
// function the core design assumes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package logging

import "github.com/sirupsen/logrus"

// New returns a logrus.Logger with text output and second-precision
// timestamps, suitable for an embedded target's stdout/stderr.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// Conn returns an entry pre-tagged with the fields every connection-scoped
// log line carries.
func Conn(log *logrus.Logger, id uint64, fd int, state string) *logrus.Entry {
	return log.WithField("conn_id", id).WithField("fd", fd).WithField("state", state)
}
