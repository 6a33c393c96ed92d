// Package mqlog holds the logging interface and transport-level hook types
// shared between pkg/transport and pkg/mqgo, kept separate from both so
// neither has to import the other just to log or fire a hook.
package mqlog

import (
	"fmt"
	"log"
	"os"
)

// LogLevel mirrors the teacher's level enum: callers filter by comparing
// against the configured minimum rather than the logger deciding per-call
// what is enabled.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Logger is threaded through Connection, the failover transport, and the
// IO Conn (the wire codec negotiator and the inactivity monitor take no
// logger), the same way the teacher
// threads cfg.logger through broker/brokerCxn. keyvals is an alternating
// key/value list, logfmt-style.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...any)
}

// Nop is the zero value: every client that does not configure a logger
// gets one that does no work rather than a nil-pointer panic.
type Nop struct{}

func (Nop) Level() LogLevel              { return LogLevelNone }
func (Nop) Log(LogLevel, string, ...any) {}

// Basic wraps the standard library's log.Logger behind the Logger
// interface — the teacher has no logging library dependency of its own (it
// defines the interface and leaves the implementation to callers), so
// stdlib log here is that same idiom, not a deviation from it.
type Basic struct {
	level LogLevel
	inner *log.Logger
}

// NewBasic returns a Logger that writes to os.Stderr at or below level,
// formatting keyvals as logfmt-style pairs.
func NewBasic(level LogLevel) *Basic {
	return &Basic{level: level, inner: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

func (b *Basic) Level() LogLevel { return b.level }

func (b *Basic) Log(level LogLevel, msg string, keyvals ...any) {
	if level > b.level {
		return
	}
	line := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		line += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	b.inner.Output(2, line)
}
