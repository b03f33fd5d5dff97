// Package cpu simulates the parts of a 32-bit x86 processor that the memory
// manager depends on: the CR0, CR2 and CR3 control registers, a TLB, a
// two-level MMU page walk over the simulated physical memory and page fault
// dispatch.
package cpu

import (
	"gophermm/kernel"
	"gophermm/kernel/mm/physmem"
	"gophermm/kernel/sync"
)

const (
	// cr0PagingBit enables address translation when set in CR0.
	cr0PagingBit = uint32(1 << 31)

	// cr0WriteProtectBit makes read-only pages non-writable for supervisor
	// accesses when set in CR0.
	cr0WriteProtectBit = uint32(1 << 16)
)

// FaultHandler is invoked by the MMU when a virtual memory access cannot be
// translated. The faulting address is available through ReadCR2. Returning
// nil causes the access to be retried; any error aborts it.
type FaultHandler func(code FaultCode) *kernel.Error

// CPU is a simulated processor attached to a physical memory image.
type CPU struct {
	// execLock serializes virtual memory accesses so CR2 stays stable
	// while a fault is being handled.
	execLock sync.Spinlock

	// lock guards the registers and the TLB.
	lock sync.Spinlock

	mem *physmem.Memory

	cr0 uint32
	cr2 uintptr
	cr3 uintptr

	tlb          tlb
	faultHandler FaultHandler
	faultCount   uint64
}

// New returns a CPU with paging disabled that accesses the supplied memory.
func New(mem *physmem.Memory) *CPU {
	return &CPU{
		mem: mem,
		tlb: newTLB(),
	}
}

// Memory returns the physical memory attached to the CPU.
func (c *CPU) Memory() *physmem.Memory {
	return c.mem
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.lock.Acquire()
	c.cr3 = pdtPhysAddr
	c.tlb.flushAll()
	c.lock.Release()
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.cr3
}

// ReadCR2 returns the value stored in the CR2 register.
func (c *CPU) ReadCR2() uintptr {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.cr2
}

// EnablePaging sets the paging bit in CR0. From this point on all memory
// accesses are translated through the page directory pointed to by CR3.
func (c *CPU) EnablePaging() {
	c.lock.Acquire()
	c.cr0 |= cr0PagingBit
	c.tlb.flushAll()
	c.lock.Release()
}

// PagingEnabled returns true if the paging bit is set in CR0.
func (c *CPU) PagingEnabled() bool {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.cr0&cr0PagingBit != 0
}

// SetWriteProtect toggles the CR0 write-protect bit.
func (c *CPU) SetWriteProtect(enabled bool) {
	c.lock.Acquire()
	if enabled {
		c.cr0 |= cr0WriteProtectBit
	} else {
		c.cr0 &^= cr0WriteProtectBit
	}
	c.tlb.flushAll()
	c.lock.Release()
}

// HandleFault installs the handler invoked for page faults. Passing nil
// removes the current handler.
func (c *CPU) HandleFault(handler FaultHandler) {
	c.lock.Acquire()
	c.faultHandler = handler
	c.lock.Release()
}

// FaultCount returns the number of page faults raised so far.
func (c *CPU) FaultCount() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.faultCount
}
