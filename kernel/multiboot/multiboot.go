// Package multiboot provides access to the boot information handed to the
// kernel: the physical memory map and the boot command line. The information
// is either supplied directly or decoded from a multiboot2 info blob.
package multiboot

import (
	"encoding/binary"
	"strings"

	"gophermm/kernel"
)

var (
	errTruncatedInfo   = &kernel.Error{Module: "multiboot", Message: "multiboot info data is truncated"}
	errInvalidTag      = &kernel.Error{Module: "multiboot", Message: "multiboot tag extends past the end of the info data"}
	errInvalidMemEntry = &kernel.Error{Module: "multiboot", Message: "memory map entry size is too small"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the total size and reserved fields
	// that precede the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size and entry version
	// fields that precede the memory map entries.
	mmapHeaderSize = 8

	// memEntrySize is the minimum size of an encoded memory map entry.
	memEntrySize = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info holds the boot information.
type Info struct {
	cmdLine   string
	memoryMap []MemoryMapEntry
	cmdLineKV map[string]string
}

// NewInfo returns boot information with the given command line and memory map.
func NewInfo(cmdLine string, memoryMap []MemoryMapEntry) *Info {
	return &Info{
		cmdLine:   cmdLine,
		memoryMap: append([]MemoryMapEntry(nil), memoryMap...),
	}
}

// Parse decodes a multiboot2 info blob. Only the boot command line and memory
// map tags are retained; other tags are skipped.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || int(totalSize) > len(data) {
		return nil, errTruncatedInfo
	}
	data = data[:totalSize]

	info := &Info{}

	cmdLine, err := findTagByType(data, tagBootCmdLine)
	if err != nil {
		return nil, err
	}
	// The command line is a C-style NULL-terminated string
	if end := strings.IndexByte(string(cmdLine), 0); end >= 0 {
		cmdLine = cmdLine[:end]
	}
	info.cmdLine = string(cmdLine)

	mmap, err := findTagByType(data, tagMemoryMap)
	if err != nil {
		return nil, err
	}
	if len(mmap) >= mmapHeaderSize {
		entrySize := int(binary.LittleEndian.Uint32(mmap))
		if entrySize < memEntrySize {
			return nil, errInvalidMemEntry
		}

		for entry := mmap[mmapHeaderSize:]; len(entry) >= entrySize; entry = entry[entrySize:] {
			info.memoryMap = append(info.memoryMap, MemoryMapEntry{
				PhysAddress: binary.LittleEndian.Uint64(entry),
				Length:      binary.LittleEndian.Uint64(entry[8:]),
				Type:        MemoryEntryType(binary.LittleEndian.Uint32(entry[16:])),
			})
		}
	}

	return info, nil
}

// CmdLine returns the raw boot command line.
func (i *Info) CmdLine() string {
	return i.cmdLine
}

// HasMemoryMap returns true if the boot information includes a memory map.
func (i *Info) HasMemoryMap() bool {
	return len(i.memoryMap) != 0
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// in the memory map. Entries with an unknown type are reported as reserved.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for _, entry := range i.memoryMap {
		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// BootCmdLine returns the command line key-value pairs passed to the kernel.
func (i *Info) BootCmdLine() map[string]string {
	if i.cmdLineKV == nil {
		i.cmdLineKV = ParseCmdLine(i.cmdLine)
	}
	return i.cmdLineKV
}

// ParseCmdLine splits a command line into key-value pairs. Arguments without
// a value (e.g. nofoo) map to themselves; malformed pairs are ignored.
func ParseCmdLine(cmdLine string) map[string]string {
	cmdLineKV := make(map[string]string)

	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of the
// specified tag type and returns its contents excluding the tag header. If
// the tag is not present, findTagByType returns a nil slice.
func findTagByType(data []byte, tagType tagType) ([]byte, *kernel.Error) {
	curOffset := infoHeaderSize
	for {
		if curOffset+tagHeaderSize > len(data) {
			return nil, errTruncatedInfo
		}

		var (
			curType = binary.LittleEndian.Uint32(data[curOffset:])
			size    = int(binary.LittleEndian.Uint32(data[curOffset+4:]))
		)

		if curType == uint32(tagMbSectionEnd) {
			return nil, nil
		}

		if size < tagHeaderSize || curOffset+size > len(data) {
			return nil, errInvalidTag
		}

		if curType == uint32(tagType) {
			return data[curOffset+tagHeaderSize : curOffset+size], nil
		}

		// Tags are aligned at 8-byte aligned addresses
		curOffset += (size + 7) &^ 7
	}
}
