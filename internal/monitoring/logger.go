// Package monitoring carries the process-wide diagnostic logging streams.
//
// Logf is the general-purpose printf sink. Opsf, Diagf and Tracef split
// pipeline output by audience: ops for actionable events (failed images,
// ledger write errors, run summaries), diag for per-image progress and
// tuning context, trace for per-cluster and per-candidate detail. Each
// stream is disabled until SetLogWriters gives it a writer.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
	// Bare drops the timestamp prefix, for sinks that stamp entries
	// themselves.
	Bare bool
}

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	flags := log.LstdFlags | log.Lmicroseconds
	if w.Bare {
		flags = 0
	}
	opsLogger = newLogger(w.Ops, flags)
	diagLogger = newLogger(w.Diag, flags)
	traceLogger = newLogger(w.Trace, flags)
}

func newLogger(w io.Writer, flags int) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "", flags)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
