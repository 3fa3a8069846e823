// SPDX-License-Identifier: MIT

package util

import (
	"fmt"
	"io"
	"runtime/debug"
)

// SafeGo wraps goroutine execution with panic recovery.
//
// This is CRITICAL for 24/7 unattended operation. Any panic in a goroutine
// would normally crash the entire application. SafeGo ensures panics are:
//  1. Logged with stack traces for debugging
//  2. Recovered to prevent application crash
//  3. Optionally reported to a callback for monitoring
//
// Example:
//
//	SafeGo("stream-monitor", logger, func() {
//	    // Your goroutine code here
//	    // If this panics, it will be caught and logged
//	}, nil)
func SafeGo(name string, logger io.Writer, fn func(), onPanic func(interface{}, []byte)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()

				// Log the panic
				if logger != nil {
					_, _ = fmt.Fprintf(logger, "[PANIC in %s] %v\n%s\n", name, r, stack)
				}

				// Call panic callback if provided
				if onPanic != nil {
					onPanic(r, stack)
				}
			}
		}()

		// Execute the function
		fn()
	}()
}
