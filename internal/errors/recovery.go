// Package errors defines the failure taxonomy of the result store and
// panic recovery helpers used around per-output persistence.
package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Recover converts a recovered panic value into a *PanicError.
// It must be called with the result of recover() from inside a deferred func:
//
//	defer func() {
//		if perr := errors.Recover(recover()); perr != nil {
//			err = perr
//		}
//	}()
//
// Returns nil if r is nil.
func Recover(r interface{}) *PanicError {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
