package vmm

const (
	// pageLevels indicates the number of page levels supported by the
	// 32-bit x86 architecture without PAE.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular
	// architecture, bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)

	// entriesPerTable is the number of entries in a directory or leaf table.
	entriesPerTable = 1 << 10

	// recursiveSlot is the directory entry that points back to the
	// directory itself.
	recursiveSlot = entriesPerTable - 1

	// leafTableSpan is the amount of virtual address space covered by a
	// single leaf table.
	leafTableSpan = uintptr(1) << 22

	// PDTVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last PDT entry so that the page
	// directory of the active address space is accessible through the MMU.
	PDTVirtualAddr = uintptr(0xfffff000)

	// leafTablesVirtualAddr is the start of the 4M window through which
	// the recursive mapping exposes every leaf table.
	leafTablesVirtualAddr = uintptr(0xffc00000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 10 bits which amounts
	// to 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

// LeafTableVirtualAddr returns the virtual address through which the leaf
// table installed at dirIndex is reachable once the address space is loaded
// and paging is enabled.
func LeafTableVirtualAddr(dirIndex uint32) uintptr {
	return leafTablesVirtualAddr + uintptr(dirIndex&recursiveSlot)<<pageLevelShifts[1]
}
