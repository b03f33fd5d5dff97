package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfToSink(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Printf("frame %d of %d; addr 0x%x", 3, 10, 0x3000)
	if exp, got := "frame 3 of 10; addr 0x3000", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the active sink")
	}
}

func TestPrintfEarlyBuffer(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	Printf("early %s", "output")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early output", buf.String(); got != exp {
		t.Fatalf("expected early output to be replayed as %q; got %q", exp, got)
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "%t %s", true, "ok")

	if exp, got := "true ok", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}
