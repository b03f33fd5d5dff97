package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

// FrameState describes the allocation state of a single frame.
type FrameState uint8

const (
	// FrameFree marks a frame that can be handed out by GetFrames.
	FrameFree FrameState = iota

	// FrameHeadOfRun marks the first frame of an allocated run.
	FrameHeadOfRun

	// FrameAllocated marks an interior frame of an allocated run.
	FrameAllocated

	// Any encoding >= frameStateInvalid indicates a corrupted table.
	frameStateInvalid
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameHeadOfRun:
		return "head-of-run"
	case FrameAllocated:
		return "allocated"
	default:
		return "invalid"
	}
}

const (
	// stateBits is the number of bits used to encode a FrameState.
	stateBits = 2

	statesPerByte = 8 / stateBits
	stateMask     = byte(1<<stateBits) - 1

	// statesPerFrame is the number of frame states that fit in one
	// state table frame.
	statesPerFrame = uint64(mm.PageSize) * statesPerByte
)

var errCorruptStateTable = &kernel.Error{Module: "pmm", Message: "frame state table holds an invalid state encoding"}

// NeededInfoFrames returns the number of frames required to store the state
// table of a pool with frameCount frames.
func NeededInfoFrames(frameCount uint32) uint32 {
	return uint32((uint64(frameCount) + statesPerFrame - 1) / statesPerFrame)
}

// stateTableBytes returns the number of bytes needed to pack frameCount
// states. Counts that are not a multiple of statesPerByte are padded.
func stateTableBytes(frameCount uint32) int {
	return int((uint64(frameCount) + statesPerByte - 1) / statesPerByte)
}

// stateTable packs one FrameState per frame into a byte buffer, low bits
// first. The buffer may overlay physical memory.
type stateTable struct {
	bits  []byte
	count uint32
}

// newStateTable wraps buf and marks all count frames as free. buf must hold
// at least stateTableBytes(count) bytes.
func newStateTable(buf []byte, count uint32) stateTable {
	t := stateTable{bits: buf[:stateTableBytes(count)], count: count}
	clear(t.bits)
	return t
}

func (t stateTable) get(index uint32) FrameState {
	shift := (index % statesPerByte) * stateBits
	state := FrameState((t.bits[index/statesPerByte] >> shift) & stateMask)
	if state >= frameStateInvalid {
		kfmt.Panic(errCorruptStateTable)
	}
	return state
}

func (t stateTable) set(index uint32, state FrameState) {
	if state >= frameStateInvalid {
		kfmt.Panic(errCorruptStateTable)
	}

	shift := (index % statesPerByte) * stateBits
	b := &t.bits[index/statesPerByte]
	*b = (*b &^ (stateMask << shift)) | byte(state)<<shift
}
