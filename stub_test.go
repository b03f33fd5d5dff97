package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	require.Nil(t, run(""))
	require.Nil(t, run("selftest=off mem=64M processFrames=15360 regions=strict"))
}

func TestRunErrors(t *testing.T) {
	err := run("mem=lots")
	require.NotNil(t, err)
	require.Equal(t, "kmain", err.Module)

	err = run("bootinfo=" + filepath.Join(t.TempDir(), "missing"))
	require.NotNil(t, err)
	require.Equal(t, "main", err.Module)
}
