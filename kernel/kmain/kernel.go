// Package kmain boots the simulated machine: it carves physical memory into
// frame pools, builds and loads the kernel address space and sets up the
// code and heap VM pools.
package kmain

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/physmem"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/mm/vmpool"
	"gophermm/kernel/multiboot"
)

var logger = kfmt.NewLogger("kmain")

// Kernel holds the memory management subsystem of a booted machine.
type Kernel struct {
	cfg  Config
	info *multiboot.Info

	mem    *physmem.Memory
	cpu    *cpu.CPU
	frames *pmm.Registry

	kernelPool  *pmm.FramePool
	processPool *pmm.FramePool

	paging *vmm.Paging
	as     *vmm.AddressSpace

	codePool *vmpool.VMPool
	heapPool *vmpool.VMPool
}

// Boot validates cfg and brings up the memory management subsystem. If info
// is nil, the default memory map for cfg.MemorySize is used. Frames that the
// memory map does not report as available are reserved in the frame pools.
func Boot(cfg Config, info *multiboot.Info) (*Kernel, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if info == nil {
		info = multiboot.NewInfo("", DefaultMemoryMap(cfg.MemorySize))
	}
	printMemoryMap(info)

	mem, err := physmem.New(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:    cfg,
		info:   info,
		mem:    mem,
		cpu:    cpu.New(mem),
		frames: pmm.NewRegistry(),
	}

	if err = k.initFramePools(); err == nil {
		err = k.initPaging()
	}
	if err == nil {
		err = k.initVMPools()
	}

	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	logger.Printf("boot complete: %d kernel frames and %d process frames free\n",
		k.kernelPool.FreeFrames(), k.processPool.FreeFrames())
	return k, nil
}

func (k *Kernel) initFramePools() *kernel.Error {
	var err *kernel.Error

	if k.kernelPool, err = pmm.NewFramePool(k.frames, k.mem, k.cfg.KernelPoolBase, k.cfg.KernelPoolFrames, pmm.InternalInfoFrame); err != nil {
		return err
	}

	infoFrame, err := k.kernelPool.GetFrames(pmm.NeededInfoFrames(k.cfg.ProcessPoolFrames))
	if err != nil {
		return err
	}

	if k.processPool, err = pmm.NewFramePool(k.frames, k.mem, k.cfg.ProcessPoolBase, k.cfg.ProcessPoolFrames, infoFrame); err != nil {
		return err
	}

	return k.reserveHoles()
}

// reserveHoles marks frames inside non-available memory map regions as
// inaccessible. Partially covered frames are reserved. Frames that are
// already in use, either by a pool state table or by an overlapping map
// entry, are skipped.
func (k *Kernel) reserveHoles() *kernel.Error {
	var err *kernel.Error

	k.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		var (
			pageSizeMinus1 = uint64(mm.PageSize - 1)
			regionStart    = region.PhysAddress >> mm.PageShift
			regionEnd      = (region.PhysAddress + region.Length + pageSizeMinus1) >> mm.PageShift
		)

		for _, pool := range []*pmm.FramePool{k.kernelPool, k.processPool} {
			var (
				first = max(regionStart, uint64(pool.BaseFrame()))
				end   = min(regionEnd, uint64(pool.BaseFrame())+uint64(pool.FrameCount()))
			)
			if first >= end {
				continue
			}

			if err = reserveFreeFrames(pool, mm.Frame(first), mm.Frame(end)); err != nil {
				return false
			}
		}
		return true
	})

	return err
}

// reserveFreeFrames marks every run of free frames in [first, end) as
// inaccessible. The range must be inside pool.
func reserveFreeFrames(pool *pmm.FramePool, first, end mm.Frame) *kernel.Error {
	runStart := first
	for frame := first; frame <= end; frame++ {
		if frame < end {
			state, err := pool.State(frame)
			if err != nil {
				return err
			}
			if state == pmm.FrameFree {
				continue
			}
		}

		if frame > runStart {
			if err := pool.MarkInaccessible(runStart, uint32(frame-runStart)); err != nil {
				return err
			}
		}
		runStart = frame + 1
	}
	return nil
}

func (k *Kernel) initPaging() *kernel.Error {
	var err *kernel.Error

	if k.paging, err = vmm.InitPaging(k.cpu, k.frames, k.kernelPool, k.processPool, uintptr(k.cfg.SharedSize)); err != nil {
		return err
	}

	if k.as, err = k.paging.NewAddressSpace(); err != nil {
		return err
	}

	k.paging.InstallFaultHandler()
	k.as.Load()
	k.as.EnablePaging()
	return nil
}

func (k *Kernel) initVMPools() *kernel.Error {
	var err *kernel.Error

	if k.codePool, err = vmpool.New(k.cfg.CodePoolBase, uintptr(k.cfg.CodePoolSize), k.processPool, k.as, k.cfg.RegionPolicy); err != nil {
		return err
	}

	k.heapPool, err = vmpool.New(k.cfg.HeapPoolBase, uintptr(k.cfg.HeapPoolSize), k.processPool, k.as, k.cfg.RegionPolicy)
	return err
}

// Shutdown releases the simulated physical memory. The kernel must not be
// used afterwards.
func (k *Kernel) Shutdown() *kernel.Error {
	logger.Printf("shutting down: %d faults handled\n", k.cpu.FaultCount())
	return k.mem.Close()
}

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() Config { return k.cfg }

// CPU returns the simulated processor.
func (k *Kernel) CPU() *cpu.CPU { return k.cpu }

// Frames returns the registry of frame pools.
func (k *Kernel) Frames() *pmm.Registry { return k.frames }

// KernelPool returns the frame pool backing page tables.
func (k *Kernel) KernelPool() *pmm.FramePool { return k.kernelPool }

// ProcessPool returns the frame pool backing demand-paged memory.
func (k *Kernel) ProcessPool() *pmm.FramePool { return k.processPool }

// AddressSpace returns the loaded address space.
func (k *Kernel) AddressSpace() *vmm.AddressSpace { return k.as }

// CodePool returns the code VM pool.
func (k *Kernel) CodePool() *vmpool.VMPool { return k.codePool }

// HeapPool returns the heap VM pool.
func (k *Kernel) HeapPool() *vmpool.VMPool { return k.heapPool }

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(info *multiboot.Info) {
	logger.Printf("system memory map:\n")
	var totalFree mm.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		logger.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	logger.Printf("available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
