// Package kfmt implements the logging facilities used by the memory
// management packages. Output is sent to a configurable sink; anything
// printed before a sink is attached is kept in a small ring buffer and
// replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"

	"gophermm/kernel/sync"
)

var (
	// sinkLock serializes writes to the output sink and the early buffer.
	sinkLock sync.Spinlock

	// earlyPrintBuffer captures Printf output until an output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If set
	// to nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output
// is still being buffered.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink
}

// Printf formats according to a format specifier (see package fmt) and
// writes to the active output sink.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w != nil {
		fmt.Fprintf(w, format, args...)
		return
	}

	sinkLock.Acquire()
	defer sinkLock.Release()
	if outputSink != nil {
		fmt.Fprintf(outputSink, format, args...)
		return
	}
	fmt.Fprintf(&earlyPrintBuffer, format, args...)
}
