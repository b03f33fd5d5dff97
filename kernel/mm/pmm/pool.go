// Package pmm implements the contiguous physical frame allocator. Each
// FramePool tracks a fixed range of frames with a packed 2-bit state table
// and registers itself with a Registry that resolves frame ownership when
// runs are released.
package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/physmem"
	"gophermm/kernel/sync"
)

var (
	// ErrOutOfFrames is returned when no run of free frames is long enough
	// to satisfy a request. This may happen even when the pool holds enough
	// free frames in total.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "no contiguous run of free frames satisfies the request"}

	// ErrUnknownFrame is returned when a released frame does not belong to
	// any registered pool.
	ErrUnknownFrame = &kernel.Error{Module: "pmm", Message: "frame does not belong to any registered pool"}

	// ErrInvalidRelease is returned when a released frame is not the head
	// of an allocated run.
	ErrInvalidRelease = &kernel.Error{Module: "pmm", Message: "released frame is not the head of an allocated run"}

	// ErrInvalidFrameCount is returned for zero-length requests.
	ErrInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}

	// ErrInvalidPoolSize is returned when a pool cannot hold at least one
	// frame beyond its own state table.
	ErrInvalidPoolSize = &kernel.Error{Module: "pmm", Message: "pool too small to hold its state table"}

	// ErrPoolOverlap is returned when a pool range overlaps a registered pool.
	ErrPoolOverlap = &kernel.Error{Module: "pmm", Message: "pool range overlaps a registered pool"}

	// ErrPoolOutsideMemory is returned when a pool or its state table are
	// not backed by installed memory.
	ErrPoolOutsideMemory = &kernel.Error{Module: "pmm", Message: "pool frames are not backed by installed memory"}

	// ErrFrameOutOfRange is returned when a frame range is not contained in
	// the pool.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame range is not contained in the pool"}

	// ErrFramesInUse is returned when reserving a range that contains
	// allocated frames.
	ErrFramesInUse = &kernel.Error{Module: "pmm", Message: "frame range contains allocated frames"}

	logger = kfmt.NewLogger("pmm")
)

// InternalInfoFrame can be passed to NewFramePool to host the state table
// in the first frames of the pool itself.
const InternalInfoFrame = mm.InvalidFrame

// FramePool manages the Free/HeadOfRun/Allocated state of frames
// [baseFrame, baseFrame+frameCount).
type FramePool struct {
	lock sync.Spinlock

	baseFrame  mm.Frame
	frameCount uint32

	// freeCount always equals the number of FrameFree entries in states.
	freeCount uint32

	// infoFrame is the first of infoFrameCount frames holding the state table.
	infoFrame      mm.Frame
	infoFrameCount uint32

	states stateTable
}

// NewFramePool creates a pool for frameCount frames starting at baseFrame and
// registers it with reg.
//
// If infoFrame is InternalInfoFrame, the state table is stored in the first
// NeededInfoFrames(frameCount) frames of the pool which are then reserved.
// Otherwise the table is stored at infoFrame; the caller is responsible for
// having reserved those frames, typically with a GetFrames call on another
// pool. When mem is nil the table is kept on the Go heap instead.
func NewFramePool(reg *Registry, mem *physmem.Memory, baseFrame mm.Frame, frameCount uint32, infoFrame mm.Frame) (*FramePool, *kernel.Error) {
	if frameCount == 0 || uint64(baseFrame)+uint64(frameCount) > mm.AddressSpaceLimit>>mm.PageShift {
		return nil, ErrInvalidPoolSize
	}

	pool := &FramePool{
		baseFrame:      baseFrame,
		frameCount:     frameCount,
		freeCount:      frameCount,
		infoFrame:      infoFrame,
		infoFrameCount: NeededInfoFrames(frameCount),
	}

	if infoFrame == InternalInfoFrame {
		if pool.infoFrameCount >= frameCount {
			return nil, ErrInvalidPoolSize
		}
		pool.infoFrame = baseFrame
	}

	if mem != nil && (!mem.ContainsFrames(baseFrame, frameCount) || !mem.ContainsFrames(pool.infoFrame, pool.infoFrameCount)) {
		return nil, ErrPoolOutsideMemory
	}

	// Hold the pool lock while it becomes visible through the registry so
	// that lookups cannot observe an uninitialized state table.
	pool.lock.Acquire()
	defer pool.lock.Release()

	if err := reg.register(pool); err != nil {
		return nil, err
	}

	if mem != nil {
		pool.states = newStateTable(mem.FrameBytes(pool.infoFrame, pool.infoFrameCount), frameCount)
	} else {
		pool.states = newStateTable(make([]byte, stateTableBytes(frameCount)), frameCount)
	}

	// Reserve any part of the state table that lives inside the pool.
	if first, count := pool.clip(pool.infoFrame, pool.infoFrameCount); count != 0 {
		pool.markRun(first, count)
	}

	logger.Printf("pool [frame %d - %d): %d frames, state table at frame %d (%d frame(s)), %d free\n",
		uint64(baseFrame), uint64(pool.end()), frameCount, uint64(pool.infoFrame), pool.infoFrameCount, pool.freeCount)

	return pool, nil
}

// BaseFrame returns the first frame managed by the pool.
func (p *FramePool) BaseFrame() mm.Frame { return p.baseFrame }

// FrameCount returns the number of frames managed by the pool.
func (p *FramePool) FrameCount() uint32 { return p.frameCount }

// InfoFrame returns the first frame of the pool's state table.
func (p *FramePool) InfoFrame() mm.Frame { return p.infoFrame }

// Contains returns true if frame belongs to this pool.
func (p *FramePool) Contains(frame mm.Frame) bool {
	return frame >= p.baseFrame && frame < p.end()
}

// FreeFrames returns the number of free frames in the pool.
func (p *FramePool) FreeFrames() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.freeCount
}

// CountFreeFrames scans the state table and counts the free frames. The
// result always matches FreeFrames.
func (p *FramePool) CountFreeFrames() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()

	var free uint32
	for i := uint32(0); i < p.frameCount; i++ {
		if p.states.get(i) == FrameFree {
			free++
		}
	}
	return free
}

// State returns the state of the given frame.
func (p *FramePool) State(frame mm.Frame) (FrameState, *kernel.Error) {
	if !p.Contains(frame) {
		return frameStateInvalid, ErrFrameOutOfRange
	}

	p.lock.Acquire()
	defer p.lock.Release()
	return p.states.get(uint32(frame - p.baseFrame)), nil
}

// GetFrames reserves the first run of n consecutive free frames and returns
// the absolute index of its first frame.
func (p *FramePool) GetFrames(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, ErrInvalidFrameCount
	}

	p.lock.Acquire()
	defer p.lock.Release()

	if n > p.freeCount {
		return mm.InvalidFrame, ErrOutOfFrames
	}

	start, found := p.findFreeRun(n)
	if !found {
		return mm.InvalidFrame, ErrOutOfFrames
	}

	p.markRun(start, n)
	return p.baseFrame + mm.Frame(start), nil
}

// MarkInaccessible reserves the n frames starting at baseFrame so they are
// never returned by GetFrames. The range must be inside the pool and free.
func (p *FramePool) MarkInaccessible(baseFrame mm.Frame, n uint32) *kernel.Error {
	if n == 0 {
		return ErrInvalidFrameCount
	}

	if first, count := p.clip(baseFrame, n); count != n || first != uint32(baseFrame-p.baseFrame) {
		return ErrFrameOutOfRange
	}

	p.lock.Acquire()
	defer p.lock.Release()

	start := uint32(baseFrame - p.baseFrame)
	for i := start; i < start+n; i++ {
		if p.states.get(i) != FrameFree {
			return ErrFramesInUse
		}
	}

	p.markRun(start, n)
	logger.Printf("reserved frames [%d - %d)\n", uint64(baseFrame), uint64(baseFrame)+uint64(n))
	return nil
}

// releaseFrames frees the run whose head is at frame. The frame must belong
// to p.
func (p *FramePool) releaseFrames(frame mm.Frame) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	index := uint32(frame - p.baseFrame)
	if p.states.get(index) != FrameHeadOfRun {
		return ErrInvalidRelease
	}

	p.states.set(index, FrameFree)
	p.freeCount++
	for index++; index < p.frameCount && p.states.get(index) == FrameAllocated; index++ {
		p.states.set(index, FrameFree)
		p.freeCount++
	}

	return nil
}

// findFreeRun performs a first-fit scan for n consecutive free frames and
// returns the local index of the run start.
func (p *FramePool) findFreeRun(n uint32) (uint32, bool) {
	var runStart, runLen uint32

	for i := uint32(0); i < p.frameCount; i++ {
		if p.states.get(i) != FrameFree {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = i
		}

		if runLen++; runLen == n {
			return runStart, true
		}
	}

	return 0, false
}

// markRun flags local frames [start, start+n) as a run and updates the free
// count. All frames in the range must be free.
func (p *FramePool) markRun(start, n uint32) {
	p.states.set(start, FrameHeadOfRun)
	for i := start + 1; i < start+n; i++ {
		p.states.set(i, FrameAllocated)
	}
	p.freeCount -= n
}

// clip intersects [frame, frame+n) with the pool range and returns the
// local index and length of the overlap.
func (p *FramePool) clip(frame mm.Frame, n uint32) (uint32, uint32) {
	start, end := uint64(frame), uint64(frame)+uint64(n)
	if start < uint64(p.baseFrame) {
		start = uint64(p.baseFrame)
	}
	if end > uint64(p.end()) {
		end = uint64(p.end())
	}
	if start >= end {
		return 0, 0
	}
	return uint32(start - uint64(p.baseFrame)), uint32(end - start)
}

func (p *FramePool) end() mm.Frame {
	return p.baseFrame + mm.Frame(p.frameCount)
}
