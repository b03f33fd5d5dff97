// Package vmpool carves variable-length virtual regions out of an address
// space. Regions are backed lazily: no frames are touched until a page of a
// region is first accessed and the address space's fault handler populates
// it.
package vmpool

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
)

var (
	// ErrRegionOverflow is returned when a region does not fit in the
	// remaining space of the pool.
	ErrRegionOverflow = &kernel.Error{Module: "vmpool", Message: "region does not fit in the remaining pool space"}

	// ErrUnknownRegion is returned when releasing an address that is not
	// the base of an allocated region.
	ErrUnknownRegion = &kernel.Error{Module: "vmpool", Message: "address is not the base of an allocated region"}

	// ErrZeroSizedRegion is returned for zero-length allocations.
	ErrZeroSizedRegion = &kernel.Error{Module: "vmpool", Message: "region size must be greater than zero"}

	// ErrRegionTableFull is returned when the region descriptor table has
	// no free slots.
	ErrRegionTableFull = &kernel.Error{Module: "vmpool", Message: "region descriptor table is full"}

	// ErrInvalidPoolGeometry is returned when the pool range is not page
	// aligned, too small, overlaps the shared region or reaches the page
	// table window.
	ErrInvalidPoolGeometry = &kernel.Error{Module: "vmpool", Message: "pool range must be page aligned, span more than one page and lie between the shared region and the page table window"}

	logger = kfmt.NewLogger("vmpool")
)

// MaxRegions is the number of region descriptors that fit in one page when
// each descriptor is stored as a pair of 32-bit words.
const MaxRegions = int(mm.PageSize / 8)

// ValidationPolicy selects how IsLegitimate decides whether a faulting
// address belongs to the pool.
type ValidationPolicy uint8

const (
	// PolicyPoolBounds accepts any address inside the pool range,
	// including its unallocated tail.
	PolicyPoolBounds ValidationPolicy = iota

	// PolicyAllocatedRegions only accepts addresses inside an allocated
	// region. The descriptor region is never legitimate.
	PolicyAllocatedRegions
)

// String implements fmt.Stringer for ValidationPolicy.
func (p ValidationPolicy) String() string {
	switch p {
	case PolicyPoolBounds:
		return "pool-bounds"
	case PolicyAllocatedRegions:
		return "allocated-regions"
	default:
		return "unknown"
	}
}

// Region describes a range of virtual addresses handed out by a pool.
type Region struct {
	BaseAddress uintptr
	Length      uintptr
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.BaseAddress + r.Length
}

// Contains returns true if virtAddr falls inside the region.
func (r Region) Contains(virtAddr uintptr) bool {
	return virtAddr >= r.BaseAddress && virtAddr < r.End()
}

// AddressSpace is the subset of vmm.AddressSpace used by a pool.
type AddressSpace interface {
	RegisterPool(v vmm.AddressValidator)
	FreePage(virtAddr uintptr) *kernel.Error
	SharedSize() uintptr
}

// VMPool allocates regions inside [base, base+size). Regions are placed
// one after the other; the space left by a released region is only reused
// once every region after it has been released as well.
type VMPool struct {
	lock sync.Spinlock

	base      uintptr
	size      uintptr
	remaining uintptr

	framePool *pmm.FramePool
	as        AddressSpace
	policy    ValidationPolicy

	// regions is ordered by base address. Entry 0 is the page reserved
	// for the descriptor table.
	regions []Region
}

// New creates a pool for the virtual range [base, base+size) and registers
// it with as so that faults inside the pool are resolved. The range must
// start above the shared region of as and end before the page table window.
// The first page of the range is reserved as region 0. framePool is the pool
// whose frames back the regions of this pool.
func New(base, size uintptr, framePool *pmm.FramePool, as AddressSpace, policy ValidationPolicy) (*VMPool, *kernel.Error) {
	switch {
	case !mm.IsPageAligned(base) || !mm.IsPageAligned(size) || size <= mm.PageSize,
		base < as.SharedSize(),
		uint64(base)+uint64(size) > uint64(vmm.LeafTableVirtualAddr(0)):
		return nil, ErrInvalidPoolGeometry
	}

	pool := &VMPool{
		base:      base,
		size:      size,
		remaining: size - mm.PageSize,
		framePool: framePool,
		as:        as,
		policy:    policy,
		regions:   make([]Region, 1, MaxRegions),
	}
	pool.regions[0] = Region{BaseAddress: base, Length: mm.PageSize}

	as.RegisterPool(pool)
	logger.Printf("constructed pool [0x%x - 0x%x) with %s validation\n", base, base+size, policy)

	return pool, nil
}

// Base returns the first address of the pool.
func (p *VMPool) Base() uintptr { return p.base }

// Size returns the total size of the pool.
func (p *VMPool) Size() uintptr { return p.size }

// FramePool returns the frame pool backing this pool's regions.
func (p *VMPool) FramePool() *pmm.FramePool { return p.framePool }

// Remaining returns the number of bytes not claimed by any region.
func (p *VMPool) Remaining() uintptr {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.remaining
}

// Regions returns a copy of the region list, including region 0.
func (p *VMPool) Regions() []Region {
	p.lock.Acquire()
	defer p.lock.Release()
	return append([]Region(nil), p.regions...)
}

// Allocate reserves a region of at least size bytes, rounded up to whole
// pages, right after the last allocated region and returns its base
// address. No frames are allocated.
func (p *VMPool) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrZeroSizedRegion
	}
	if size > p.size {
		return 0, ErrRegionOverflow
	}
	size = mm.RoundUp(size)

	p.lock.Acquire()
	defer p.lock.Release()

	if size > p.remaining {
		return 0, ErrRegionOverflow
	}

	start := p.regions[len(p.regions)-1].End()
	if size > p.base+p.size-start {
		return 0, ErrRegionOverflow
	}

	if len(p.regions) == MaxRegions {
		return 0, ErrRegionTableFull
	}

	p.regions = append(p.regions, Region{BaseAddress: start, Length: size})
	p.remaining -= size

	logger.Printf("allocated region [0x%x - 0x%x)\n", start, start+size)
	return start, nil
}

// Release frees the region starting at baseAddr. Every page of the region
// is unmapped from the address space, returning its frame; pages that were
// never accessed are skipped.
func (p *VMPool) Release(baseAddr uintptr) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	index := -1
	for i := 1; i < len(p.regions); i++ {
		if p.regions[i].BaseAddress == baseAddr {
			index = i
			break
		}
	}

	if index < 0 {
		return ErrUnknownRegion
	}

	region := p.regions[index]
	for page := region.BaseAddress; page < region.End(); page += mm.PageSize {
		if err := p.as.FreePage(page); err != nil && err != vmm.ErrInvalidMapping {
			return err
		}
	}

	p.regions = append(p.regions[:index], p.regions[index+1:]...)
	p.remaining += region.Length

	if p.framePool != nil {
		logger.Printf("released region [0x%x - 0x%x), %d frames free\n", region.BaseAddress, region.End(), p.framePool.FreeFrames())
	} else {
		logger.Printf("released region [0x%x - 0x%x)\n", region.BaseAddress, region.End())
	}
	return nil
}

// IsLegitimate reports whether a fault at virtAddr should be resolved on
// behalf of this pool.
func (p *VMPool) IsLegitimate(virtAddr uintptr) bool {
	if p.policy != PolicyAllocatedRegions {
		return virtAddr >= p.base && virtAddr-p.base < p.size
	}

	p.lock.Acquire()
	defer p.lock.Release()

	for _, region := range p.regions[1:] {
		if region.Contains(virtAddr) {
			return true
		}
	}
	return false
}
