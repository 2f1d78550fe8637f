package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level operational logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var verbose atomic.Bool

// SetVerbose toggles the debug tier. Debugf is a no-op unless enabled.
func SetVerbose(on bool) {
	verbose.Store(on)
}

// Verbose reports whether the debug tier is enabled.
func Verbose() bool {
	return verbose.Load()
}

// Debugf logs high-volume diagnostic lines: dropped unknown addresses,
// out-of-sequence transitions, per-sample traces. Gated behind SetVerbose so
// the ops log stays readable during normal runs.
func Debugf(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
