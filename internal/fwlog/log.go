// Package fwlog wraps logrus with the fields every component of the
// firmware upgrader wants bound: which subsystem is logging and which
// device ID the log line concerns. The teacher (guiperry-HASHER) logs with
// bare log.Printf/fmt.Printf; this tool instead mirrors the volume and
// level discipline of the original alfa_fw_upgrader Python tool, which
// leans on logging.warning/debug/info throughout the retry and protocol
// paths, so the structured fields carry what a bare message string would
// otherwise have to interpolate.
package fwlog

import "github.com/sirupsen/logrus"

// Logger is the bound logger passed down by value-holding structs
// (transport, protocol client, loader, pre-stage, package driver).
type Logger struct {
	entry *logrus.Entry
}

// New returns a root Logger for the named component.
func New(component string) Logger {
	return Logger{entry: logrus.StandardLogger().WithField("component", component)}
}

// WithDevice returns a copy of l scoped to the given bootloader device ID.
func (l Logger) WithDevice(deviceID byte) Logger {
	return Logger{entry: l.entry.WithField("device_id", deviceID)}
}

// WithField returns a copy of l with an additional structured field.
func (l Logger) WithField(key string, value any) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}

func (l Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// DebugEnabled reports whether debug-level logging is active, so callers
// can skip building an expensive hex dump when it would be discarded --
// mirroring the original's logging.getLogger().isEnabledFor(logging.DEBUG)
// guard around every raw USB frame dump.
func DebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}
