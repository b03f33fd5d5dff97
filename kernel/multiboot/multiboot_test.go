package multiboot

import (
	"encoding/binary"
	"fmt"
	"testing"

	"gophermm/kernel"
)

type testTag struct {
	typ     tagType
	payload []byte
}

// buildInfo encodes a multiboot2 info blob containing the given tags
// followed by an end tag.
func buildInfo(tags ...testTag) []byte {
	data := make([]byte, infoHeaderSize)
	for _, tag := range append(tags, testTag{typ: tagMbSectionEnd}) {
		hdr := make([]byte, tagHeaderSize)
		binary.LittleEndian.PutUint32(hdr, uint32(tag.typ))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(tag.payload)))
		data = append(data, hdr...)
		data = append(data, tag.payload...)
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}
	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

func cmdLineTag(cmdLine string) testTag {
	return testTag{typ: tagBootCmdLine, payload: append([]byte(cmdLine), 0)}
}

func memoryMapTag(entrySize int, entries ...MemoryMapEntry) testTag {
	payload := make([]byte, mmapHeaderSize)
	binary.LittleEndian.PutUint32(payload, uint32(entrySize))
	for _, entry := range entries {
		buf := make([]byte, max(entrySize, memEntrySize))
		binary.LittleEndian.PutUint64(buf, entry.PhysAddress)
		binary.LittleEndian.PutUint64(buf[8:], entry.Length)
		binary.LittleEndian.PutUint32(buf[16:], uint32(entry.Type))
		payload = append(payload, buf[:entrySize]...)
	}
	return testTag{typ: tagMemoryMap, payload: payload}
}

var testMemoryMap = []MemoryMapEntry{
	{0, 654336, MemAvailable},
	{654336, 1024, MemReserved},
	{1048576, 133038080, MemAvailable},
	{134086656, 131072, MemoryEntryType(0xff)},
	{4294705152, 262144, MemNvs},
}

func TestFindTagByType(t *testing.T) {
	data := buildInfo(
		testTag{typ: tagBootLoaderName, payload: []byte("GRUB 2.02~beta2\x00")},
		cmdLineTag("pool=strict"),
		testTag{typ: tagBasicMemoryInfo, payload: make([]byte, 8)},
	)

	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, 12},
		{tagBootLoaderName, 16},
		{tagBasicMemoryInfo, 8},
		{tagModules, 0},
		{tagMemoryMap, 0},
	}

	for specIndex, spec := range specs {
		payload, err := findTagByType(data, spec.tagType)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if got := len(payload); got != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, got)
		}
	}
}

func TestParse(t *testing.T) {
	data := buildInfo(
		cmdLineTag("mem=32M nofoo"),
		memoryMapTag(24, testMemoryMap...),
	)

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := "mem=32M nofoo", info.CmdLine(); got != exp {
		t.Errorf("expected cmdline to be %q; got %q", exp, got)
	}

	if !info.HasMemoryMap() {
		t.Fatal("expected HasMemoryMap to return true")
	}

	if exp, got := len(testMemoryMap), len(info.memoryMap); got != exp {
		t.Fatalf("expected %d memory map entries; got %d", exp, got)
	}

	for i, exp := range testMemoryMap {
		if got := info.memoryMap[i]; got != exp {
			t.Errorf("[entry %d] expected %v; got %v", i, exp, got)
		}
	}
}

func TestParseWithoutTags(t *testing.T) {
	info, err := Parse(buildInfo())
	if err != nil {
		t.Fatal(err)
	}

	if got := info.CmdLine(); got != "" {
		t.Errorf("expected empty cmdline; got %q", got)
	}

	var visitCount int
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	if info.HasMemoryMap() {
		t.Fatal("expected HasMemoryMap to return false")
	}
}

func TestParseErrors(t *testing.T) {
	valid := buildInfo(cmdLineTag("foo=bar"))

	tagPastEnd := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(tagPastEnd[infoHeaderSize+4:], 4096)

	missingEndTag := append([]byte(nil), valid[:len(valid)-tagHeaderSize]...)
	binary.LittleEndian.PutUint32(missingEndTag, uint32(len(missingEndTag)))

	specs := []struct {
		data   []byte
		expErr *kernel.Error
	}{
		{nil, errTruncatedInfo},
		{[]byte{1, 2, 3}, errTruncatedInfo},
		{valid[:len(valid)-1], errTruncatedInfo},
		{tagPastEnd, errInvalidTag},
		{missingEndTag, errTruncatedInfo},
		{buildInfo(memoryMapTag(16, testMemoryMap[0])), errInvalidMemEntry},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			info, err := Parse(spec.data)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if info != nil {
				t.Fatal("expected a nil Info on error")
			}
		})
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{1048576, 133038080, MemAvailable},
		// Unknown entry types are reported as reserved
		{134086656, 131072, MemReserved},
		{4294705152, 262144, MemNvs},
	}

	info := NewInfo("", testMemoryMap)

	var visitCount int
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if visitCount >= len(specs) {
			t.Fatalf("unexpected visit %d", visitCount)
		}
		spec := specs[visitCount]
		if entry.PhysAddress != spec.expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, spec.expPhys, entry.PhysAddress)
		}
		if entry.Length != spec.expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, spec.expLen, entry.Length)
		}
		if entry.Type != spec.expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, spec.expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Visitor should abort the scan when it returns false
	visitCount = 0
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked once; got %d", visitCount)
	}

	// The visitor receives copies of the entries
	if exp, got := MemoryEntryType(0xff), info.memoryMap[3].Type; got != exp {
		t.Errorf("expected stored entry type to remain %d; got %d", exp, got)
	}
}

func TestNewInfoCopiesMemoryMap(t *testing.T) {
	entries := []MemoryMapEntry{{0, 4096, MemAvailable}}
	info := NewInfo("", entries)
	entries[0].Type = MemReserved

	if got := info.memoryMap[0].Type; got != MemAvailable {
		t.Fatalf("expected info memory map to be unaffected by caller changes; got type %v", got)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input  MemoryEntryType
		expOut string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.expOut {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.expOut, got)
		}
	}
}

func TestParseCmdLine(t *testing.T) {
	specs := []struct {
		input string
		exp   map[string]string
	}{
		{"", map[string]string{}},
		{"consoleFont=terminus10x18 consoleLogo=off nofoo", map[string]string{
			"consoleFont": "terminus10x18",
			"consoleLogo": "off",
			"nofoo":       "nofoo",
		}},
		{"  mem=32M   a=b=c  ", map[string]string{"mem": "32M"}},
	}

	for specIndex, spec := range specs {
		got := ParseCmdLine(spec.input)
		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d pairs; got %d (%v)", specIndex, len(spec.exp), len(got), got)
			continue
		}
		for k, v := range spec.exp {
			if got[k] != v {
				t.Errorf("[spec %d] expected key %q to map to %q; got %q", specIndex, k, v, got[k])
			}
		}
	}
}

func TestBootCmdLine(t *testing.T) {
	info := NewInfo("pool=strict heapSize=64M", nil)

	kv := info.BootCmdLine()
	if exp, got := "strict", kv["pool"]; got != exp {
		t.Errorf("expected pool to be %q; got %q", exp, got)
	}
	if exp, got := "64M", kv["heapSize"]; got != exp {
		t.Errorf("expected heapSize to be %q; got %q", exp, got)
	}
}
