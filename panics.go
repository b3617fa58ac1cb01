package workflow

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives recovered panics.
type PanicLogger func(where string, recovered any, stack []byte, fields map[string]any)

// MakePanicHandler returns a function meant to be deferred directly; it
// recovers a panic and hands it to logger.
//
//	handle := MakePanicHandler(LogPanics(logger))
//	defer handle("monitor.OnBlockExecuted", fields)
func MakePanicHandler(logger PanicLogger) func(where string, fields map[string]any) {
	return func(where string, fields map[string]any) {
		if r := recover(); r != nil {
			buf := make([]byte, 8096)
			n := runtime.Stack(buf, false)
			logger(where, r, trimPanicFrames(buf[:n]), fields)
		}
	}
}

// CapturePanic must be deferred directly. It stores a recovered panic in
// *target as an error and, when logger is set, reports it with the stack.
//
//	defer CapturePanic("block A", &err, LogPanics(logger), fields)
func CapturePanic(where string, target *error, logger PanicLogger, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	if logger != nil {
		buf := make([]byte, 8096)
		n := runtime.Stack(buf, false)
		logger(where, r, trimPanicFrames(buf[:n]), fields)
	}
	if target != nil {
		*target = PanicError(where, r)
	}
}

// LogPanics builds a PanicLogger that reports through logger at error level.
func LogPanics(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(where string, recovered any, stack []byte, fields map[string]any) {
		WithLoggerFields(logger, fields).Error(
			"recovered from panic in %s: %v (%T)\n%s", where, recovered, recovered, stack,
		)
	}
}

// PanicError converts a recovered value into an error.
func PanicError(where string, recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic in %s: %w", where, err)
	}
	return fmt.Errorf("panic in %s: %v", where, recovered)
}

// trimPanicFrames drops the runtime frames above the panic call site.
func trimPanicFrames(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.Contains(line, "panic(") && i+2 < len(lines) {
			return []byte(strings.Join(lines[i+2:], "\n"))
		}
	}
	return stack
}
