// Package mcelog is the single narrow logging facade every other package
// in this module logs through. It follows the teacher's own
// logging.go convention of a pluggable, interface-typed logger configured
// once at process start, but backs the default implementation with the
// real structured-logging stack from the same source tree
// (github.com/joeycumines/logiface, fed through the logiface-slog adapter
// onto log/slog) instead of a hand-rolled writer.
package mcelog

import (
	"log/slog"
	"os"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Fields is a set of structured attributes attached to a single log line.
// Keys are applied in map iteration order, so field order in the output
// is not defined.
type Fields map[string]any

// Logger is the facade every component holds instead of talking to
// log/slog or logiface directly. A Logger is always non-nil; the zero
// value logs nothing (see Noop).
type Logger struct {
	base *logiface.Logger[*islog.Event]
	tags Fields
}

// New builds a Logger writing newline-delimited JSON to w at the given
// minimum level (a logiface.Level, e.g. logiface.LevelInformational).
func New(w *os.File, level logiface.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{})
	base := logiface.New[*islog.Event](islog.NewLogger(handler, islog.WithLevel(level)))
	return &Logger{base: base}
}

// Noop returns a Logger that discards everything; used in tests that
// don't want to assert on log output.
func Noop() *Logger {
	return New(devNull(), logiface.LevelEmergency+1)
}

func devNull() *os.File {
	f, err := os.Open(os.DevNull)
	if err != nil {
		// os.DevNull always exists on supported platforms; fall back to
		// stderr rather than returning a nil *os.File.
		return os.Stderr
	}
	return f
}

// With returns a child Logger that tags every subsequent entry with the
// given component/field name, mirroring the teacher's pattern of
// constructing a scoped logger per subsystem at wiring time.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	tags := make(Fields, len(l.tags)+1)
	for k, v := range l.tags {
		tags[k] = v
	}
	tags[key] = value
	return &Logger{base: l.base, tags: tags}
}

func (l *Logger) build(level logiface.Level) *logiface.Builder[*islog.Event] {
	b := l.base.Build(level)
	for k, v := range l.tags {
		b = b.Field(k, v)
	}
	return b
}

// Debug logs sysfs-write failures, flag-file parse failures, and other
// conditions that are debug-only.
func (l *Logger) Debug(msg string, fields Fields) { l.log(logiface.LevelDebug, msg, fields) }

// Info logs routine state transitions (display state changes, accepted
// D-Bus requests).
func (l *Logger) Info(msg string, fields Fields) { l.log(logiface.LevelInformational, msg, fields) }

// Warn logs recoverable failures: D-Bus send failures, pending-reply
// errors, malformed inbound requests.
func (l *Logger) Warn(msg string, fields Fields) { l.log(logiface.LevelWarning, msg, fields) }

// Error logs conditions that degrade the daemon but don't require
// escalation (e.g. giving up on a kill-verify cycle).
func (l *Logger) Error(msg string, err error, fields Fields) {
	b := l.build(logiface.LevelError)
	if err != nil {
		b = b.Err(err)
	}
	for k, v := range fields {
		b = b.Field(k, v)
	}
	b.Log(msg)
}

// Crit logs the compositor watchdog's report of a terminated peer and a
// sysfs monitor's exit-policy failure.
func (l *Logger) Crit(msg string, fields Fields) { l.log(logiface.LevelCritical, msg, fields) }

func (l *Logger) log(level logiface.Level, msg string, fields Fields) {
	if l == nil {
		return
	}
	b := l.build(level)
	for k, v := range fields {
		b = b.Field(k, v)
	}
	b.Log(msg)
}
