// Package testlog provides a pslog.Logger that records entries for assertions.
package testlog

import (
	"sync"

	"pkt.systems/pslog"
)

// Entry is one recorded log call.
type Entry struct {
	Level  string
	Msg    string
	Fields []any
}

// Field returns the value recorded for key.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		if k, ok := e.Fields[i].(string); ok && k == key {
			return e.Fields[i+1], true
		}
		if k, ok := e.Fields[i].(pslog.TrustedString); ok && string(k) == key {
			return e.Fields[i+1], true
		}
	}
	return nil, false
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// Logger records every entry, including those from derived loggers.
type Logger struct {
	fields []any
	sink   *sink
}

// New returns an empty capture logger.
func New() *Logger {
	return &Logger{sink: &sink{}}
}

// Find returns the first entry with msg.
func (l *Logger) Find(msg string) (Entry, bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, e := range l.sink.entries {
		if e.Msg == msg {
			return e, true
		}
	}
	return Entry{}, false
}

// Count returns how many entries carry msg.
func (l *Logger) Count(msg string) int {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	n := 0
	for _, e := range l.sink.entries {
		if e.Msg == msg {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all entries.
func (l *Logger) Snapshot() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]Entry(nil), l.sink.entries...)
}

func (l *Logger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, Entry{Level: level, Msg: msg, Fields: fields})
	l.sink.mu.Unlock()
}

func (l *Logger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *Logger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *Logger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *Logger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *Logger) With(args ...any) pslog.Logger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &Logger{fields: combined, sink: l.sink}
}
func (l *Logger) WithLogLevel() pslog.Logger          { return l }
func (l *Logger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *Logger) LogLevelFromEnv(string) pslog.Logger { return l }
