// Package logger provides component-keyed structured logging for mmclaw.
//
// Every log line carries a "component" field ("ws", "routing", "session", ...)
// so gateway output can be filtered per subsystem. The backend is zerolog
// with a console writer on stderr.
package logger

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's ordering: DEBUG < INFO < WARN < ERROR.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var logPtr atomic.Pointer[zerolog.Logger]

func init() {
	setup(INFO)
}

func setup(level Level) {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(toZerolog(level)).
		With().Timestamp().Logger()
	logPtr.Store(&zl)
}

func toZerolog(level Level) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel adjusts the global minimum level.
func SetLevel(level Level) {
	setup(level)
}

func event(ev *zerolog.Event, component, msg string, fields map[string]any) {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func DebugC(component, msg string) { DebugCF(component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) {
	event(logPtr.Load().Debug(), component, msg, fields)
}

func InfoC(component, msg string) { InfoCF(component, msg, nil) }

func InfoCF(component, msg string, fields map[string]any) {
	event(logPtr.Load().Info(), component, msg, fields)
}

func WarnC(component, msg string) { WarnCF(component, msg, nil) }

func WarnCF(component, msg string, fields map[string]any) {
	event(logPtr.Load().Warn(), component, msg, fields)
}

func ErrorC(component, msg string) { ErrorCF(component, msg, nil) }

func ErrorCF(component, msg string, fields map[string]any) {
	event(logPtr.Load().Error(), component, msg, fields)
}
