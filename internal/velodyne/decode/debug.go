package decode

import (
	"io"
	"log"
	"sync"
)

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the decode package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger("[decode] ", ops)
	diagLogger = newLogger("[decode] ", diag)
	traceLogger = newLogger("[decode] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (session lifecycle, configuration context).
func diagf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-packet telemetry).
func tracef(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
