package kfmt

import (
	"fmt"
	"io"
)

// Logger writes to the active output sink and injects a "[module] " prefix
// at the beginning of each line.
type Logger struct {
	prefix []byte

	// midLine is set when the last write did not end with a line feed.
	midLine bool
}

// NewLogger returns a Logger for the named module.
func NewLogger(module string) *Logger {
	return &Logger{prefix: []byte("[" + module + "] ")}
}

// Printf formats its arguments and writes them through the logger.
func (l *Logger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(l, format, args...)
}

// Write sends p to the active output sink, prefixing every new line. The
// injected prefix is not included in the returned byte count.
func (l *Logger) Write(p []byte) (int, error) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	var sink io.Writer = &earlyPrintBuffer
	if outputSink != nil {
		sink = outputSink
	}

	return l.writeTo(sink, p)
}

func (l *Logger) writeTo(sink io.Writer, p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if p[i] != '\n' {
			continue
		}

		n, err := l.writeLine(sink, p[lineStart:i+1])
		written += n
		if err != nil {
			return written, err
		}
		l.midLine = false
		lineStart = i + 1
	}

	if lineStart < len(p) {
		n, err := l.writeLine(sink, p[lineStart:])
		written += n
		if err != nil {
			return written, err
		}
		l.midLine = true
	}

	return written, nil
}

func (l *Logger) writeLine(sink io.Writer, line []byte) (int, error) {
	if !l.midLine {
		if _, err := sink.Write(l.prefix); err != nil {
			return 0, err
		}
	}
	return sink.Write(line)
}
