// SPDX-License-Identifier: Apache-2.0

// Package assert guards internal invariants that a correct caller can
// never violate — as opposed to input validation, which returns an
// error instead. A failed assertion panics with the caller's location,
// the idiomatic Go stand-in for the original's abort-on-assert.
package assert

import (
	"fmt"
	"runtime"
)

// Assertf panics with a message built from format and args, prefixed
// with the caller's file and line, if cond is false.
func Assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "unknown", 0
	}
	panic(fmt.Sprintf("%s:%d: assertion failed: %s", file, line, fmt.Sprintf(format, args...)))
}
