package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with the stack trace.
//
// Usage in goroutines that must never take the process down:
//
//	go func() {
//	    defer observability.RecoverPanic(log, "audit begin")
//	    // ...
//	}()
//
// The panic is not re-raised.
func RecoverPanic(log *logrus.Entry, context string) {
	if r := recover(); r != nil {
		logPanic(log, context, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, and runs callback.
// The callback only runs when a panic occurred.
func RecoverPanicWithCallback(log *logrus.Entry, context string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(log, context, r)
		if callback != nil {
			callback(r)
		}
	}
}

// PanicError converts a recovered value into an error, or nil when r is nil
func PanicError(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func logPanic(log *logrus.Entry, context string, r interface{}) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": context,
	}).Error("PANIC recovered")
}
