// Package logging adds per-component prefixes to a logs.Log.
package logging

import "github.com/cyclopcam/logs"

// PrefixLogger writes to the underlying log, with every message prefixed by Prefix.
type PrefixLogger struct {
	logs.Log
	Prefix string
}

// NewPrefixLogger returns a logger that prefixes messages with prefix and a space.
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	// Avoid stacking prefixes when a component hands its logger to a child
	if p, ok := log.(*PrefixLogger); ok {
		return &PrefixLogger{Log: p.Log, Prefix: p.Prefix + prefix}
	}
	return &PrefixLogger{Log: log, Prefix: prefix}
}

func (l *PrefixLogger) Debugf(format string, a ...interface{}) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...interface{}) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...interface{}) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...interface{}) {
	l.Log.Errorf(l.Prefix+format, a...)
}
