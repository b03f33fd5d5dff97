package cpu

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// Page table entry bits interpreted by the MMU.
const (
	ptePresent   = uint32(1 << 0)
	pteRW        = uint32(1 << 1)
	pteUser      = uint32(1 << 2)
	pteAccessed  = uint32(1 << 5)
	pteDirty     = uint32(1 << 6)
	pteFrameMask = uint32(0xfffff000)

	dirShift       = 22
	tableShift     = 12
	tableIndexMask = uintptr(0x3ff)
	pageOffsetMask = mm.PageSize - 1

	// maxFaultsPerAccess is the number of faults a single access may raise
	// before it is aborted.
	maxFaultsPerAccess = 1
)

var (
	// errPageFault is used internally to signal that a translation needs
	// to be resolved by the fault handler.
	errPageFault = &kernel.Error{Module: "cpu", Message: "page fault"}

	errUnhandledFault   = &kernel.Error{Module: "cpu", Message: "page fault raised with no fault handler installed"}
	errFaultLoop        = &kernel.Error{Module: "cpu", Message: "fault handler returned without resolving the fault"}
	errBusError         = &kernel.Error{Module: "cpu", Message: "physical address not backed by memory"}
	errInvalidAddress   = &kernel.Error{Module: "cpu", Message: "virtual address outside of the 32-bit address space"}
	errMisalignedAccess = &kernel.Error{Module: "cpu", Message: "misaligned 32-bit access"}
)

func accessCode(write, user bool) FaultCode {
	var code FaultCode
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}
	return code
}

// Translate returns the physical address that corresponds to virtAddr for
// the given access type, raising page faults as needed.
func (c *CPU) Translate(virtAddr uintptr, write, user bool) (uintptr, *kernel.Error) {
	c.execLock.Acquire()
	defer c.execLock.Release()

	return c.translate(virtAddr, accessCode(write, user))
}

// Read copies len(buf) bytes starting at virtAddr into buf.
func (c *CPU) Read(virtAddr uintptr, buf []byte, user bool) *kernel.Error {
	return c.copyVirt(virtAddr, buf, accessCode(false, user))
}

// Write copies data to the virtual memory starting at virtAddr.
func (c *CPU) Write(virtAddr uintptr, data []byte, user bool) *kernel.Error {
	return c.copyVirt(virtAddr, data, accessCode(true, user))
}

// ReadUint32 loads the 32-bit word stored at the 4-byte aligned virtAddr.
func (c *CPU) ReadUint32(virtAddr uintptr, user bool) (uint32, *kernel.Error) {
	ptr, err := c.wordPtr(virtAddr, accessCode(false, user))
	if err != nil {
		return 0, err
	}
	return *ptr, nil
}

// WriteUint32 stores val at the 4-byte aligned virtAddr.
func (c *CPU) WriteUint32(virtAddr uintptr, val uint32, user bool) *kernel.Error {
	ptr, err := c.wordPtr(virtAddr, accessCode(true, user))
	if err != nil {
		return err
	}
	*ptr = val
	return nil
}

func (c *CPU) wordPtr(virtAddr uintptr, access FaultCode) (*uint32, *kernel.Error) {
	if virtAddr&3 != 0 {
		return nil, errMisalignedAccess
	}

	c.execLock.Acquire()
	defer c.execLock.Release()

	physAddr, err := c.translate(virtAddr, access)
	if err != nil {
		return nil, err
	}
	if !c.mem.Contains(physAddr, 4) {
		return nil, errBusError
	}
	return c.mem.Uint32Ptr(physAddr), nil
}

func (c *CPU) copyVirt(virtAddr uintptr, buf []byte, access FaultCode) *kernel.Error {
	c.execLock.Acquire()
	defer c.execLock.Release()

	for len(buf) > 0 {
		chunk := mm.PageSize - virtAddr&pageOffsetMask
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		physAddr, err := c.translate(virtAddr, access)
		if err != nil {
			return err
		}
		if !c.mem.Contains(physAddr, chunk) {
			return errBusError
		}

		if access.IsWrite() {
			copy(c.mem.Bytes(physAddr, chunk), buf[:chunk])
		} else {
			copy(buf[:chunk], c.mem.Bytes(physAddr, chunk))
		}

		buf = buf[chunk:]
		virtAddr += chunk
	}

	return nil
}

// translate resolves virtAddr, invoking the fault handler when the
// translation is missing or not permitted. execLock must be held.
func (c *CPU) translate(virtAddr uintptr, access FaultCode) (uintptr, *kernel.Error) {
	if uint64(virtAddr) >= mm.AddressSpaceLimit {
		return 0, errInvalidAddress
	}

	for faults := 0; ; faults++ {
		physAddr, code, err := c.lookup(virtAddr, access)
		if err != errPageFault {
			return physAddr, err
		}

		if faults == maxFaultsPerAccess {
			return 0, errFaultLoop
		}

		if err = c.raiseFault(virtAddr, code); err != nil {
			return 0, err
		}
	}
}

// lookup consults the TLB and falls back to a page table walk. It returns
// errPageFault together with the fault code if the access must fault.
func (c *CPU) lookup(virtAddr uintptr, access FaultCode) (uintptr, FaultCode, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.cr0&cr0PagingBit == 0 {
		return virtAddr, 0, nil
	}

	if entry, ok := c.tlb.lookup(virtAddr); ok && c.permitted(entry, access) && (!access.IsWrite() || entry.dirty) {
		return entry.frameAddr | virtAddr&pageOffsetMask, 0, nil
	}

	pde, err := c.entryPtr(c.cr3&^pageOffsetMask, virtAddr>>dirShift)
	if err != nil {
		return 0, 0, err
	}
	if *pde&ptePresent == 0 {
		return 0, access, errPageFault
	}

	pte, err := c.entryPtr(uintptr(*pde&pteFrameMask), (virtAddr>>tableShift)&tableIndexMask)
	if err != nil {
		return 0, 0, err
	}
	if *pte&ptePresent == 0 {
		return 0, access, errPageFault
	}

	entry := tlbEntry{
		frameAddr: uintptr(*pte & pteFrameMask),
		writable:  *pde&*pte&pteRW != 0,
		user:      *pde&*pte&pteUser != 0,
	}
	if !c.permitted(entry, access) {
		return 0, access | FaultProtection, errPageFault
	}

	*pde |= pteAccessed
	*pte |= pteAccessed
	if access.IsWrite() {
		*pte |= pteDirty
	}
	entry.dirty = *pte&pteDirty != 0

	c.tlb.insert(virtAddr, entry)
	return entry.frameAddr | virtAddr&pageOffsetMask, 0, nil
}

// permitted applies the x86 protection rules: user accesses need the user
// flag at both levels, writes need the RW flag unless issued by the
// supervisor while CR0.WP is clear.
func (c *CPU) permitted(entry tlbEntry, access FaultCode) bool {
	if access.IsUser() && !entry.user {
		return false
	}
	if access.IsWrite() && !entry.writable && (access.IsUser() || c.cr0&cr0WriteProtectBit != 0) {
		return false
	}
	return true
}

func (c *CPU) entryPtr(tableAddr, index uintptr) (*uint32, *kernel.Error) {
	entryAddr := tableAddr + index<<mm.PointerShift
	if !c.mem.Contains(entryAddr, 4) {
		return nil, errBusError
	}
	return c.mem.Uint32Ptr(entryAddr), nil
}

func (c *CPU) raiseFault(virtAddr uintptr, code FaultCode) *kernel.Error {
	c.lock.Acquire()
	c.cr2 = virtAddr
	c.faultCount++
	handler := c.faultHandler
	c.lock.Release()

	if handler == nil {
		return errUnhandledFault
	}
	return handler(code)
}
