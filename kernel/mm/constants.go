package mm

const (
	// PointerShift is equal to log2 of the size of a page table entry. The
	// simulated MMU uses 32-bit entries so each entry occupies (1 << 2) bytes.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// AddressSpaceLimit is the size of the 32-bit virtual and physical
	// address spaces.
	AddressSpaceLimit = uint64(1) << 32
)
