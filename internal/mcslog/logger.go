// Package mcslog provides the structured logging interface used across
// mcs, backed by zerolog. Packages depend on the Logger interface, never
// on zerolog directly, so a silent/no-op logger can stand in during tests.
package mcslog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger is the structured logging surface every mcs package depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// zerologLogger is the default Logger, sampling Debug-level output under
// the sweep threads' steady ticking when MCS_LOG_SAMPLE_N is set.
type zerologLogger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New returns a Logger writing to os.Stderr with RFC3339 timestamps.
func New() Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var samp zerolog.Sampler
	if v := os.Getenv("MCS_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &zerologLogger{logger: l, sampler: samp, sampled: sampled}
}

func (l *zerologLogger) event(e *zerolog.Event, msg string, kv ...interface{}) {
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		if i+1 < len(kv) {
			e.Interface(key, kv[i+1])
		} else {
			e.Interface(key, nil)
		}
	}
	e.Msg(msg)
}

func (l *zerologLogger) Debug(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.event(l.sampled.Debug(), msg, kv...)
		return
	}
	l.event(l.logger.Debug(), msg, kv...)
}

func (l *zerologLogger) Info(msg string, kv ...interface{}) {
	l.event(l.logger.Info(), msg, kv...)
}

func (l *zerologLogger) Warn(msg string, kv ...interface{}) {
	l.event(l.logger.Warn(), msg, kv...)
}

func (l *zerologLogger) Error(msg string, kv ...interface{}) {
	l.event(l.logger.Error(), msg, kv...)
}

// Nop is a Logger that discards everything; useful in unit tests that
// don't want sweep-thread chatter on stderr.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nopLogger{} }
