// Package monitoring carries the process-wide diagnostic logger used by
// packages that report hardware chatter rather than request errors.
package monitoring

import "log"

// LogFunc is the signature of the package logger.
type LogFunc func(format string, v ...interface{})

// Logf emits a diagnostic line. It defaults to log.Printf; replace it
// with SetLogger to redirect it, or mute it with Silence in tests.
var Logf LogFunc = log.Printf

// SetLogger installs f as the package logger. A nil f mutes logging.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}

// Silence mutes the package logger and returns a func that restores the
// previous one:
//
//	defer monitoring.Silence()()
func Silence() func() {
	prev := Logf
	Logf = func(string, ...interface{}) {}
	return func() { Logf = prev }
}
