package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the directory stored in pdtFrame. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. Tables are accessed
// through their physical address which, for every table drawn from the kernel
// pool, coincides with the identity-mapped shared region. walkFn must abort
// the walk when an entry is not present.
func (p *Paging) walk(pdtFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := p.entry(tableFrame, entryIndex)
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// entry returns a pointer to the index-th entry of the table stored at
// tableFrame.
func (p *Paging) entry(tableFrame mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(p.mem.Uint32Ptr(tableFrame.Address() + index<<mm.PointerShift))
}

// pteForAddress returns the leaf page table entry that corresponds to
// virtAddr or ErrInvalidMapping if the page is not present.
func (p *Paging) pteForAddress(pdtFrame mm.Frame, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	p.walk(pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}
