// Package mainboilerplate contains shared boilerplate for this project's
// programs. The idea is to provide a selection of narrowly scoped methods so
// callers do not have to buy-in to an all-or-nothing approach.
package mainboilerplate

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// Version of the program, set at build time via
	// -ldflags "-X go.blockvault.dev/core/mainboilerplate.Version=...".
	Version = "development"
	// BuildDate of the program, set at build time.
	BuildDate = "unknown"
)

// maxStackTraceSize is the max bytes to allocate to stack traces.
const maxStackTraceSize = 32768

// Must logs a fatal error and exits if |err| is non-nil. |extra| are
// alternating key/value pairs, logged as fields of the error.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[fmt.Sprint(extra[i])] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}

// LogPanic is intended to be a deferred call to log a panic at the end of the
// program's lifecycle.
func LogPanic() {
	if r := recover(); r != nil {
		var stack = make([]byte, maxStackTraceSize)
		stack = stack[:runtime.Stack(stack, true)]

		log.WithFields(log.Fields{
			"err":     r,
			"version": Version,
			"stack":   strings.Split(string(stack), "\n"),
		}).Fatal("panic")
	}
}
