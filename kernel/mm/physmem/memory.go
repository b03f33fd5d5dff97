// Package physmem provides the RAM image that backs every physical frame
// handed out by the frame pools. Page tables, frame pool state tables and
// data pages all live inside this image at their physical address.
package physmem

import (
	"unsafe"

	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	errInvalidMemorySize = &kernel.Error{Module: "physmem", Message: "memory size must be a non-zero multiple of the page size below 4G"}
	errAccessOutOfRange  = &kernel.Error{Module: "physmem", Message: "physical access outside of installed memory"}
	errMisalignedAccess  = &kernel.Error{Module: "physmem", Message: "misaligned physical word access"}

	// mapMemoryFn and unmapMemoryFn are overridden by tests.
	mapMemoryFn   = mapMemory
	unmapMemoryFn = unmapMemory
)

// Memory is a contiguous block of simulated physical RAM starting at
// physical address 0.
type Memory struct {
	data   []byte
	mapped bool
}

// New reserves a zero-filled RAM image of the requested size.
func New(size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 || uint64(size)&uint64(mm.PageSize-1) != 0 || uint64(size) > mm.AddressSpaceLimit {
		return nil, errInvalidMemorySize
	}

	data, mapped, err := mapMemoryFn(int(size))
	if err != nil {
		return nil, &kernel.Error{Module: "physmem", Message: "unable to reserve memory image: " + err.Error()}
	}

	return &Memory{data: data, mapped: mapped}, nil
}

// Close releases the RAM image. The Memory must not be used afterwards.
func (m *Memory) Close() *kernel.Error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	if !m.mapped {
		return nil
	}

	if err := unmapMemoryFn(data); err != nil {
		return &kernel.Error{Module: "physmem", Message: "unable to release memory image: " + err.Error()}
	}
	return nil
}

// Size returns the installed memory size in bytes.
func (m *Memory) Size() mm.Size {
	return mm.Size(len(m.data))
}

// FrameCount returns the number of physical frames in the image.
func (m *Memory) FrameCount() uint32 {
	return uint32(uintptr(len(m.data)) >> mm.PageShift)
}

// Contains returns true if the [physAddr, physAddr+size) range lies inside
// installed memory.
func (m *Memory) Contains(physAddr, size uintptr) bool {
	end := physAddr + size
	return end >= physAddr && end <= uintptr(len(m.data))
}

// ContainsFrames returns true if count frames starting at first are backed
// by installed memory.
func (m *Memory) ContainsFrames(first mm.Frame, count uint32) bool {
	return uint64(first)+uint64(count) <= uint64(m.FrameCount())
}

// Bytes returns a slice overlaying size bytes of physical memory starting
// at physAddr. Writes to the slice update the RAM image.
func (m *Memory) Bytes(physAddr, size uintptr) []byte {
	if !m.Contains(physAddr, size) {
		kfmt.Panic(errAccessOutOfRange)
	}
	return m.data[physAddr : physAddr+size : physAddr+size]
}

// FrameBytes returns a slice overlaying count consecutive frames.
func (m *Memory) FrameBytes(first mm.Frame, count uint32) []byte {
	return m.Bytes(first.Address(), uintptr(count)<<mm.PageShift)
}

// Uint32Ptr returns a pointer to the 32-bit word at physAddr. Page table
// entries are accessed through these pointers.
func (m *Memory) Uint32Ptr(physAddr uintptr) *uint32 {
	if physAddr&3 != 0 {
		kfmt.Panic(errMisalignedAccess)
	}
	word := m.Bytes(physAddr, 4)
	return (*uint32)(unsafe.Pointer(&word[0]))
}

// ZeroFrames clears the contents of count frames starting at first.
func (m *Memory) ZeroFrames(first mm.Frame, count uint32) {
	if count == 0 {
		return
	}
	zeroRange(m.FrameBytes(first, count), m.mapped)
}
