package kfmt

import "io"

// ringBufferSize defines the capacity of the buffer that holds early Printf
// output. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it.
// Once full, each new byte overwrites the oldest one.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest byte; used is the number of
	// buffered bytes.
	start, used int
}

// Write appends p to the buffer, dropping the oldest bytes if needed.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.used)&(ringBufferSize-1)] = b
		if rb.used == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.used++
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.used == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.used > 0 {
		p[n] = rb.buffer[rb.start]
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.used--
		n++
	}

	return n, nil
}
