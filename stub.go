package main

import (
	"fmt"
	"os"
	"strings"

	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/kmain"
	"gophermm/kernel/multiboot"
)

var logger = kfmt.NewLogger("main")

// main boots the simulated kernel. The program arguments form the boot
// command line (e.g. mem=64M processFrames=15360 regions=strict). The
// special bootinfo=<path> argument loads the memory map and command line
// from a multiboot2 info dump instead; selftest=off skips the memory test.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	if err := run(strings.Join(os.Args[1:], " ")); err != nil {
		fmt.Fprintf(os.Stderr, "[%s] error: %s\n", err.Module, err.Message)
		os.Exit(1)
	}
}

func run(cmdLine string) *kernel.Error {
	args := multiboot.ParseCmdLine(cmdLine)

	info := multiboot.NewInfo(cmdLine, nil)
	if path, ok := args["bootinfo"]; ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return &kernel.Error{Module: "main", Message: err.Error()}
		}

		var kerr *kernel.Error
		if info, kerr = multiboot.Parse(data); kerr != nil {
			return kerr
		}
		args = info.BootCmdLine()
	}

	cfg := kmain.DefaultConfig()
	if err := cfg.ApplyCmdLine(args); err != nil {
		return err
	}

	// Without a memory map from the boot loader, use the default layout
	// for the configured memory size.
	if !info.HasMemoryMap() {
		info = nil
	}

	k, err := kmain.Boot(cfg, info)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Shutdown(); err != nil {
			logger.Printf("shutdown failed: %s\n", err.Message)
		}
	}()

	if args["selftest"] == "off" {
		return nil
	}
	return k.SelfTest(kmain.DefaultSelfTestConfig())
}
