package cpu

import "gophermm/kernel/mm"

// tlbCapacity is the number of translations cached by the TLB.
const tlbCapacity = 64

type tlbEntry struct {
	frameAddr uintptr

	// writable and user hold the combined directory and leaf entry flags.
	writable bool
	user     bool

	// dirty is set once the leaf entry has been marked dirty by a write.
	dirty bool
}

// tlb caches virtual page to physical frame translations. Entries are
// evicted in no particular order once the cache is full.
type tlb struct {
	entries map[mm.Page]tlbEntry
}

func newTLB() tlb {
	return tlb{entries: make(map[mm.Page]tlbEntry, tlbCapacity)}
}

func (t *tlb) lookup(virtAddr uintptr) (tlbEntry, bool) {
	entry, ok := t.entries[mm.PageFromAddress(virtAddr)]
	return entry, ok
}

func (t *tlb) insert(virtAddr uintptr, entry tlbEntry) {
	page := mm.PageFromAddress(virtAddr)
	if _, exists := t.entries[page]; !exists && len(t.entries) >= tlbCapacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}
	t.entries[page] = entry
}

func (t *tlb) flushAll() {
	clear(t.entries)
}
