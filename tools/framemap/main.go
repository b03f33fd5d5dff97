package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gophermm/kernel/kfmt"
	"gophermm/kernel/kmain"
	"gophermm/kernel/multiboot"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[framemap] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	cmdLine := flag.String("cmdline", "", "boot command line used to configure the simulated machine")
	regions := flag.Int("regions", 8, "number of heap regions to allocate and touch before rendering")
	columns := flag.Int("columns", 128, "number of frames per grid row")
	cellSize := flag.Int("cell", 4, "size in pixels of each frame cell")
	verbose := flag.Bool("v", false, "print kernel log output")
	output := flag.String("out", "framemap.png", "the PNG file to write")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "framemap: boot the simulated kernel and render the state of its frame pools\n\n")
		fmt.Fprint(os.Stderr, "Usage: framemap [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *columns <= 0 || *cellSize <= 0 {
		exit(errors.New("columns and cell size must be positive"))
	}

	if *verbose {
		kfmt.SetOutputSink(os.Stderr)
	} else {
		kfmt.SetOutputSink(io.Discard)
	}

	cfg := kmain.DefaultConfig()
	if err := cfg.ApplyCmdLine(multiboot.ParseCmdLine(*cmdLine)); err != nil {
		return err
	}

	k, err := kmain.Boot(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "[framemap] shutdown failed: %s\n", err.Error())
		}
	}()

	if err := touchRegions(k, *regions); err != nil {
		return err
	}

	dc, rerr := renderFrameMap(k.Frames().Pools(), layout{columns: *columns, cellSize: *cellSize})
	if rerr != nil {
		return rerr
	}

	return dc.SavePNG(*output)
}

// touchRegions allocates n heap regions of growing size and writes to every
// page so that the rendered map shows runs of different lengths.
func touchRegions(k *kmain.Kernel, n int) error {
	for i := 1; i <= n; i++ {
		size := uintptr(i) * 4096
		base, err := k.HeapPool().Allocate(size)
		if err != nil {
			return err
		}

		for offset := uintptr(0); offset < size; offset += 4096 {
			if err := k.CPU().WriteUint32(base+offset, uint32(i), false); err != nil {
				return err
			}
		}
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
