package kmain

import (
	"strconv"
	"strings"

	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/mm/vmpool"
	"gophermm/kernel/multiboot"
)

var (
	errInvalidMemorySize   = &kernel.Error{Module: "kmain", Message: "memory size must be a non-zero multiple of the page size"}
	errInvalidFramePools   = &kernel.Error{Module: "kmain", Message: "frame pools must be non-empty, disjoint and inside physical memory"}
	errKernelPoolTooSmall  = &kernel.Error{Module: "kmain", Message: "kernel pool cannot hold the process pool state table"}
	errKernelPoolNotShared = &kernel.Error{Module: "kmain", Message: "kernel pool must reside in the shared region"}
	errInvalidSharedSize   = &kernel.Error{Module: "kmain", Message: "shared region must be non-empty and stay below the VM pools"}
	errInvalidVMPool       = &kernel.Error{Module: "kmain", Message: "VM pools must be page-aligned, disjoint and below the page table window"}
	errInvalidCmdLineArg   = &kernel.Error{Module: "kmain", Message: "invalid boot command line argument"}
)

// Config describes the simulated machine and the layout of the memory
// management subsystem.
type Config struct {
	// MemorySize is the amount of simulated physical memory.
	MemorySize mm.Size

	// The kernel pool supplies page table frames and the process pool
	// state table. Its own state table is stored in its first frame.
	KernelPoolBase   mm.Frame
	KernelPoolFrames uint32

	// The process pool supplies demand-paged data frames.
	ProcessPoolBase   mm.Frame
	ProcessPoolFrames uint32

	// SharedSize is the size of the identity-mapped region at the bottom
	// of every address space.
	SharedSize mm.Size

	CodePoolBase uintptr
	CodePoolSize mm.Size
	HeapPoolBase uintptr
	HeapPoolSize mm.Size

	// RegionPolicy selects how the VM pools validate faulting addresses.
	RegionPolicy vmpool.ValidationPolicy
}

// DefaultConfig returns a 32M machine with a 2M kernel pool, a 28M process
// pool, a 4M shared region and two 256M VM pools at 512M and 1G.
func DefaultConfig() Config {
	return Config{
		MemorySize:        32 * mm.Mb,
		KernelPoolBase:    mm.FrameFromAddress(2 * uintptr(mm.Mb)),
		KernelPoolFrames:  (2 * mm.Mb).Pages(),
		ProcessPoolBase:   mm.FrameFromAddress(4 * uintptr(mm.Mb)),
		ProcessPoolFrames: (28 * mm.Mb).Pages(),
		SharedSize:        4 * mm.Mb,
		CodePoolBase:      512 * uintptr(mm.Mb),
		CodePoolSize:      256 * mm.Mb,
		HeapPoolBase:      uintptr(mm.Gb),
		HeapPoolSize:      256 * mm.Mb,
		RegionPolicy:      vmpool.PolicyPoolBounds,
	}
}

// DefaultMemoryMap returns a memory map for a machine with the given amount
// of memory and a reserved hole at [15M - 16M).
func DefaultMemoryMap(size mm.Size) []multiboot.MemoryMapEntry {
	const (
		holeStart = uint64(15 * mm.Mb)
		holeEnd   = uint64(16 * mm.Mb)
	)

	if uint64(size) <= holeStart {
		return []multiboot.MemoryMapEntry{{PhysAddress: 0, Length: uint64(size), Type: multiboot.MemAvailable}}
	}

	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: holeStart, Type: multiboot.MemAvailable},
		{PhysAddress: holeStart, Length: holeEnd - holeStart, Type: multiboot.MemReserved},
	}
	if uint64(size) > holeEnd {
		entries = append(entries, multiboot.MemoryMapEntry{PhysAddress: holeEnd, Length: uint64(size) - holeEnd, Type: multiboot.MemAvailable})
	}
	return entries
}

// ApplyCmdLine overrides config values with the key-value pairs of a boot
// command line. Recognized keys are mem, shared, codeBase, codeSize,
// heapBase, heapSize, kernelFrames, processFrames and regions
// (bounds|strict). Unknown keys are ignored.
func (cfg *Config) ApplyCmdLine(args map[string]string) *kernel.Error {
	for key, value := range args {
		var err *kernel.Error

		switch key {
		case "mem":
			cfg.MemorySize, err = parseSize(value)
		case "shared":
			cfg.SharedSize, err = parseSize(value)
		case "codeBase":
			err = parseAddr(value, &cfg.CodePoolBase)
		case "codeSize":
			cfg.CodePoolSize, err = parseSize(value)
		case "heapBase":
			err = parseAddr(value, &cfg.HeapPoolBase)
		case "heapSize":
			cfg.HeapPoolSize, err = parseSize(value)
		case "kernelFrames":
			cfg.KernelPoolFrames, err = parseCount(value)
		case "processFrames":
			cfg.ProcessPoolFrames, err = parseCount(value)
		case "regions":
			switch value {
			case "bounds":
				cfg.RegionPolicy = vmpool.PolicyPoolBounds
			case "strict":
				cfg.RegionPolicy = vmpool.PolicyAllocatedRegions
			default:
				err = errInvalidCmdLineArg
			}
		}

		if err != nil {
			logger.Printf("ignoring boot configuration: bad value %q for %q\n", value, key)
			return err
		}
	}

	return nil
}

// Validate checks that the configured layout can be booted.
func (cfg *Config) Validate() *kernel.Error {
	if cfg.MemorySize == 0 || uint64(cfg.MemorySize)&uint64(mm.PageSize-1) != 0 || uint64(cfg.MemorySize) > mm.AddressSpaceLimit {
		return errInvalidMemorySize
	}

	var (
		memFrames   = uint64(cfg.MemorySize.Pages())
		kernelEnd   = uint64(cfg.KernelPoolBase) + uint64(cfg.KernelPoolFrames)
		processEnd  = uint64(cfg.ProcessPoolBase) + uint64(cfg.ProcessPoolFrames)
		sharedLimit = uintptr(cfg.SharedSize)
	)

	switch {
	case cfg.KernelPoolFrames == 0 || cfg.ProcessPoolFrames == 0,
		kernelEnd > memFrames || processEnd > memFrames,
		kernelEnd > uint64(cfg.ProcessPoolBase) && processEnd > uint64(cfg.KernelPoolBase):
		return errInvalidFramePools
	}

	// The kernel pool keeps its state table in its first frame and must
	// have room for the process pool table plus at least one directory.
	if pmm.NeededInfoFrames(cfg.KernelPoolFrames)+pmm.NeededInfoFrames(cfg.ProcessPoolFrames) >= cfg.KernelPoolFrames {
		return errKernelPoolTooSmall
	}

	if cfg.SharedSize == 0 || uint64(cfg.SharedSize) > uint64(vmm.LeafTableVirtualAddr(0)) {
		return errInvalidSharedSize
	}

	// Page tables are reached through the identity mapping.
	if kernelEnd<<mm.PageShift > uint64(cfg.SharedSize) {
		return errKernelPoolNotShared
	}

	var (
		codeEnd = uint64(cfg.CodePoolBase) + uint64(cfg.CodePoolSize)
		heapEnd = uint64(cfg.HeapPoolBase) + uint64(cfg.HeapPoolSize)
		limit   = uint64(vmm.LeafTableVirtualAddr(0))
	)

	switch {
	case !mm.IsPageAligned(cfg.CodePoolBase) || !mm.IsPageAligned(cfg.HeapPoolBase),
		uint64(cfg.CodePoolSize)&uint64(mm.PageSize-1) != 0 || uint64(cfg.HeapPoolSize)&uint64(mm.PageSize-1) != 0,
		cfg.CodePoolSize == 0 || cfg.HeapPoolSize == 0,
		cfg.CodePoolBase < sharedLimit || cfg.HeapPoolBase < sharedLimit,
		codeEnd > limit || heapEnd > limit,
		codeEnd > uint64(cfg.HeapPoolBase) && heapEnd > uint64(cfg.CodePoolBase):
		return errInvalidVMPool
	}

	return nil
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(value string) (mm.Size, *kernel.Error) {
	unit := mm.Byte
	switch {
	case strings.HasSuffix(value, "K"):
		unit = mm.Kb
	case strings.HasSuffix(value, "M"):
		unit = mm.Mb
	case strings.HasSuffix(value, "G"):
		unit = mm.Gb
	}
	if unit != mm.Byte {
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return 0, errInvalidCmdLineArg
	}
	return mm.Size(n) * unit, nil
}

func parseAddr(value string, addr *uintptr) *kernel.Error {
	size, err := parseSize(value)
	if err != nil {
		return err
	}
	*addr = uintptr(size)
	return nil
}

func parseCount(value string) (uint32, *kernel.Error) {
	n, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return 0, errInvalidCmdLineArg
	}
	return uint32(n), nil
}
