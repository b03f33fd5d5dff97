// Package vmm implements two-level demand-paged address spaces on top of the
// simulated MMU. Directory and leaf tables are drawn from a kernel frame
// pool while the pages backing faulting addresses come from a process frame
// pool.
package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/physmem"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrProtectionFault is returned for faults that cannot be resolved
	// because the address is not legitimate or the page is already mapped.
	ErrProtectionFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

	// ErrNoActiveAddressSpace is returned by the fault handler when no
	// address space has been loaded.
	ErrNoActiveAddressSpace = &kernel.Error{Module: "vmm", Message: "page fault raised with no active address space"}

	// ErrAddressSpaceActive is returned when destroying the current address space.
	ErrAddressSpaceActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}

	// ErrPoolOutsideMemory is returned when a frame pool is not backed by
	// the CPU's physical memory.
	ErrPoolOutsideMemory = &kernel.Error{Module: "vmm", Message: "frame pool is not backed by physical memory"}

	// ErrInvalidSharedSize is returned when the shared region does not fit
	// below the recursive mapping window.
	ErrInvalidSharedSize = &kernel.Error{Module: "vmm", Message: "shared region size exceeds the address space"}

	// ErrSharedMapping is returned when trying to free a page of the
	// identity-mapped shared region.
	ErrSharedMapping = &kernel.Error{Module: "vmm", Message: "pages of the shared region cannot be freed"}

	errAddressSpaceDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}

	logger = kfmt.NewLogger("vmm")
)

// AddressValidator is implemented by objects that claim ranges of virtual
// addresses and are consulted before a fault is resolved.
type AddressValidator interface {
	IsLegitimate(virtAddr uintptr) bool
}

// Paging holds the process-wide paging configuration: the CPU whose MMU
// walks the tables, the pools that back tables and data pages and the
// currently loaded address space.
type Paging struct {
	lock sync.Spinlock

	cpu    *cpu.CPU
	mem    *physmem.Memory
	frames *pmm.Registry

	// kernelPool supplies directory and leaf table frames.
	kernelPool *pmm.FramePool

	// processPool supplies frames for demand-paged data.
	processPool *pmm.FramePool

	// sharedSize is the size of the identity-mapped region at the bottom
	// of every address space, rounded up to whole leaf tables.
	sharedSize uintptr

	current *AddressSpace
}

// InitPaging records the frame pools used to build address spaces and the
// size of the region that every address space identity maps. sharedSize is
// rounded up to a multiple of 4M.
func InitPaging(c *cpu.CPU, frames *pmm.Registry, kernelPool, processPool *pmm.FramePool, sharedSize uintptr) (*Paging, *kernel.Error) {
	mem := c.Memory()
	for _, pool := range []*pmm.FramePool{kernelPool, processPool} {
		if !mem.ContainsFrames(pool.BaseFrame(), pool.FrameCount()) {
			return nil, ErrPoolOutsideMemory
		}
	}

	sharedSize = (sharedSize + leafTableSpan - 1) &^ (leafTableSpan - 1)
	if sharedSize > recursiveSlot*leafTableSpan {
		return nil, ErrInvalidSharedSize
	}

	logger.Printf("initialized paging: shared region [0x0 - 0x%x), kernel pool at frame %d, process pool at frame %d\n",
		sharedSize, uint64(kernelPool.BaseFrame()), uint64(processPool.BaseFrame()))

	return &Paging{
		cpu:         c,
		mem:         mem,
		frames:      frames,
		kernelPool:  kernelPool,
		processPool: processPool,
		sharedSize:  sharedSize,
	}, nil
}

// SharedSize returns the size of the identity-mapped region.
func (p *Paging) SharedSize() uintptr {
	return p.sharedSize
}

// Current returns the loaded address space or nil if none has been loaded.
func (p *Paging) Current() *AddressSpace {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.current
}

// InstallFaultHandler routes the CPU's page faults to the current address
// space.
func (p *Paging) InstallFaultHandler() {
	p.cpu.HandleFault(p.pageFaultHandler)
}

func (p *Paging) load(as *AddressSpace) {
	p.lock.Acquire()
	p.current = as
	p.cpu.SwitchPDT(as.pdtFrame.Address())
	p.lock.Release()
}

// releaseFrame returns a table frame to its pool. These frames were handed
// out by GetFrames so a failure indicates table corruption.
func (p *Paging) releaseFrame(frame mm.Frame) {
	if err := p.frames.ReleaseFrames(frame); err != nil {
		kfmt.Panic(err)
	}
}
