package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

// AddressSpace is a two-level page table: a directory of 1024 entries whose
// present entries point to leaf tables of 1024 entries. The shared region
// is mapped eagerly when the address space is created; every other page is
// populated on its first access by HandleFault.
type AddressSpace struct {
	lock sync.Spinlock

	paging   *Paging
	pdtFrame mm.Frame

	// validators is append-only and never consulted while lock is held.
	validators []AddressValidator

	destroyed bool
}

// NewAddressSpace allocates a page directory from the kernel pool and
// identity maps the shared region with leaf tables also taken from the
// kernel pool. Entries outside the shared region start out not present and
// the last directory entry points back to the directory itself.
func (p *Paging) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	pdtFrame, err := p.kernelPool.GetFrames(1)
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{paging: p, pdtFrame: pdtFrame}
	p.mem.ZeroFrames(pdtFrame, 1)

	sharedTables := uintptr(p.sharedSize / leafTableSpan)
	for dirIndex := uintptr(0); dirIndex < recursiveSlot; dirIndex++ {
		dirEntry := p.entry(pdtFrame, dirIndex)
		if dirIndex >= sharedTables {
			*dirEntry = pageTableEntry(FlagRW)
			continue
		}

		tableFrame, err := p.kernelPool.GetFrames(1)
		if err != nil {
			as.releaseTables(dirIndex)
			return nil, err
		}

		// Identity map the 4M window covered by this table.
		firstFrame := mm.Frame(dirIndex * entriesPerTable)
		for index := uintptr(0); index < entriesPerTable; index++ {
			pte := p.entry(tableFrame, index)
			*pte = 0
			pte.SetFrame(firstFrame + mm.Frame(index))
			pte.SetFlags(FlagPresent | FlagRW)
		}

		*dirEntry = 0
		dirEntry.SetFrame(tableFrame)
		dirEntry.SetFlags(FlagPresent | FlagRW)
	}

	lastEntry := p.entry(pdtFrame, recursiveSlot)
	*lastEntry = 0
	lastEntry.SetFrame(pdtFrame)
	lastEntry.SetFlags(FlagPresent | FlagRW)

	logger.Printf("constructed address space with page directory at frame %d\n", uint64(pdtFrame))
	return as, nil
}

// PDTFrame returns the frame that holds the page directory.
func (as *AddressSpace) PDTFrame() mm.Frame {
	return as.pdtFrame
}

// SharedSize returns the size of the identity-mapped region at the bottom
// of the address space. Pages below it never fault.
func (as *AddressSpace) SharedSize() uintptr {
	return as.paging.sharedSize
}

// Load makes this the current address space by pointing CR3 at its page
// directory. The TLB is flushed.
func (as *AddressSpace) Load() {
	as.paging.load(as)
	logger.Printf("loaded address space with page directory at frame %d\n", uint64(as.pdtFrame))
}

// EnablePaging turns on address translation. Until it is called, every
// address is treated as a physical address.
func (as *AddressSpace) EnablePaging() {
	as.paging.cpu.EnablePaging()
	logger.Printf("enabled paging\n")
}

// RegisterPool adds v to the set of validators consulted by HandleFault.
func (as *AddressSpace) RegisterPool(v AddressValidator) {
	as.lock.Acquire()
	as.validators = append(as.validators, v)
	as.lock.Release()
	logger.Printf("registered VM pool\n")
}

// HandleFault resolves a fault at virtAddr. If any pools are registered, the
// address must be claimed by one of them. A missing leaf table is allocated
// from the kernel pool and the page itself is backed by a zeroed frame from
// the process pool. The page is user accessible when the faulting access
// originated in user mode.
func (as *AddressSpace) HandleFault(virtAddr uintptr, write, user bool) *kernel.Error {
	code := cpu.FaultCode(0)
	if write {
		code |= cpu.FaultWrite
	}
	if user {
		code |= cpu.FaultUser
	}

	if !as.isLegitimate(virtAddr) {
		return nonRecoverablePageFault(virtAddr, code, ErrProtectionFault)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errAddressSpaceDestroyed
	}

	p := as.paging
	dirIndex := virtAddr >> pageLevelShifts[0]
	if dirIndex >= recursiveSlot {
		return nonRecoverablePageFault(virtAddr, code, ErrProtectionFault)
	}

	var (
		dirEntry     = p.entry(as.pdtFrame, dirIndex)
		newTable     mm.Frame
		haveNewTable bool
	)

	if !dirEntry.HasFlags(FlagPresent) {
		tableFrame, err := p.kernelPool.GetFrames(1)
		if err != nil {
			return err
		}

		p.mem.ZeroFrames(tableFrame, 1)
		*dirEntry = 0
		dirEntry.SetFrame(tableFrame)
		dirEntry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		newTable, haveNewTable = tableFrame, true
	}

	pte := p.entry(dirEntry.Frame(), (virtAddr>>pageLevelShifts[1])&(entriesPerTable-1))
	if pte.HasFlags(FlagPresent) {
		return nonRecoverablePageFault(virtAddr, code|cpu.FaultProtection, ErrProtectionFault)
	}

	dataFrame, err := p.processPool.GetFrames(1)
	if err != nil {
		if haveNewTable {
			*dirEntry = pageTableEntry(FlagRW)
			p.releaseFrame(newTable)
		}
		return err
	}

	p.mem.ZeroFrames(dataFrame, 1)

	flags := FlagPresent | FlagRW
	if user {
		flags |= FlagUserAccessible
	}

	*pte = 0
	pte.SetFrame(dataFrame)
	pte.SetFlags(flags)

	return nil
}

// FreePage releases the frame backing the page that contains virtAddr and
// marks the page as not present. If this address space is current the TLB
// is flushed by reloading CR3.
func (as *AddressSpace) FreePage(virtAddr uintptr) *kernel.Error {
	p := as.paging
	if virtAddr < p.sharedSize {
		return ErrSharedMapping
	}
	if virtAddr>>pageLevelShifts[0] >= recursiveSlot {
		return ErrInvalidMapping
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errAddressSpaceDestroyed
	}

	pte, err := p.pteForAddress(as.pdtFrame, virtAddr)
	if err != nil {
		return err
	}

	if err = p.frames.ReleaseFrames(pte.Frame()); err != nil {
		return err
	}
	pte.ClearFlags(FlagPresent)

	if p.Current() == as {
		p.cpu.SwitchPDT(as.pdtFrame.Address())
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, err := as.paging.pteForAddress(as.pdtFrame, virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)), nil
}

// Destroy returns every data frame, leaf table and the page directory of
// this address space to their pools. The current address space cannot be
// destroyed.
func (as *AddressSpace) Destroy() *kernel.Error {
	if as.paging.Current() == as {
		return ErrAddressSpaceActive
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return errAddressSpaceDestroyed
	}

	p := as.paging
	sharedTables := uintptr(p.sharedSize / leafTableSpan)
	for dirIndex := sharedTables; dirIndex < recursiveSlot; dirIndex++ {
		dirEntry := p.entry(as.pdtFrame, dirIndex)
		if !dirEntry.HasFlags(FlagPresent) {
			continue
		}

		for index := uintptr(0); index < entriesPerTable; index++ {
			if pte := p.entry(dirEntry.Frame(), index); pte.HasFlags(FlagPresent) {
				p.releaseFrame(pte.Frame())
			}
		}
	}

	as.releaseTables(recursiveSlot)
	as.destroyed = true

	logger.Printf("destroyed address space with page directory at frame %d\n", uint64(as.pdtFrame))
	return nil
}

// releaseTables returns the leaf tables installed in directory entries
// [0, limit) and the directory itself to the kernel pool.
func (as *AddressSpace) releaseTables(limit uintptr) {
	p := as.paging
	for dirIndex := uintptr(0); dirIndex < limit; dirIndex++ {
		if dirEntry := p.entry(as.pdtFrame, dirIndex); dirEntry.HasFlags(FlagPresent) {
			p.releaseFrame(dirEntry.Frame())
		}
	}
	p.releaseFrame(as.pdtFrame)
}

func (as *AddressSpace) isLegitimate(virtAddr uintptr) bool {
	as.lock.Acquire()
	validators := as.validators
	as.lock.Release()

	if len(validators) == 0 {
		return true
	}

	for _, v := range validators {
		if v.IsLegitimate(virtAddr) {
			return true
		}
	}
	return false
}
