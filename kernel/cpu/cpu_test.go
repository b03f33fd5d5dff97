package cpu

import (
	"testing"

	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/physmem"
)

const (
	testDirFrame   = mm.Frame(1)
	testTableFrame = mm.Frame(2)
	testDataFrame  = mm.Frame(3)
	testAltFrame   = mm.Frame(4)

	// testVirtAddr uses directory entry 1 and leaf entry 5.
	testVirtAddr = uintptr(1<<dirShift | 5<<tableShift)
)

func setupCPU(t *testing.T) (*CPU, *physmem.Memory) {
	t.Helper()

	mem, err := physmem.New(64 * mm.Size(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	return New(mem), mem
}

func entryAt(mem *physmem.Memory, tableFrame mm.Frame, index uintptr) *uint32 {
	return mem.Uint32Ptr(tableFrame.Address() + index<<mm.PointerShift)
}

// mapTestPage maps testVirtAddr to frame using the fixed test tables and
// enables paging.
func mapTestPage(c *CPU, mem *physmem.Memory, frame mm.Frame, dirFlags, pteFlags uint32) {
	*entryAt(mem, testDirFrame, testVirtAddr>>dirShift) = uint32(testTableFrame.Address()) | dirFlags
	*entryAt(mem, testTableFrame, (testVirtAddr>>tableShift)&tableIndexMask) = uint32(frame.Address()) | pteFlags
	c.SwitchPDT(testDirFrame.Address())
	c.EnablePaging()
}

func TestRegisters(t *testing.T) {
	c, _ := setupCPU(t)

	if c.PagingEnabled() {
		t.Fatal("expected paging to be disabled after reset")
	}

	c.SwitchPDT(0x2000)
	if exp, got := uintptr(0x2000), c.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	c.EnablePaging()
	if !c.PagingEnabled() {
		t.Fatal("expected paging to be enabled")
	}
}

func TestIdentityAccessWithPagingDisabled(t *testing.T) {
	c, mem := setupCPU(t)

	if err := c.Write(testDataFrame.Address()+10, []byte("hello"), false); err != nil {
		t.Fatal(err)
	}

	if exp, got := "hello", string(mem.Bytes(testDataFrame.Address()+10, 5)); got != exp {
		t.Fatalf("expected physical memory to contain %q; got %q", exp, got)
	}

	if err := c.Write(uintptr(mem.Size()), []byte{1}, false); err != errBusError {
		t.Fatalf("expected error %v; got %v", errBusError, err)
	}
}

func TestTranslateMappedPage(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, ptePresent|pteRW)

	physAddr, err := c.Translate(testVirtAddr+0x123, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if exp := testDataFrame.Address() + 0x123; physAddr != exp {
		t.Fatalf("expected physical address 0x%x; got 0x%x", exp, physAddr)
	}

	pte := entryAt(mem, testTableFrame, 5)
	if *pte&pteAccessed == 0 {
		t.Fatal("expected MMU to set the accessed bit")
	}
	if *pte&pteDirty != 0 {
		t.Fatal("expected read access not to set the dirty bit")
	}
	if *entryAt(mem, testDirFrame, 1)&pteAccessed == 0 {
		t.Fatal("expected MMU to set the accessed bit on the directory entry")
	}

	if err := c.WriteUint32(testVirtAddr+8, 0xcafebabe, false); err != nil {
		t.Fatal(err)
	}
	if *pte&pteDirty == 0 {
		t.Fatal("expected write access to set the dirty bit")
	}
	if exp, got := uint32(0xcafebabe), *mem.Uint32Ptr(testDataFrame.Address() + 8); got != exp {
		t.Fatalf("expected physical word 0x%x; got 0x%x", exp, got)
	}

	if got, err := c.ReadUint32(testVirtAddr+8, false); err != nil || got != 0xcafebabe {
		t.Fatalf("expected to read back 0xcafebabe; got 0x%x (err: %v)", got, err)
	}

	if exp, got := uint64(0), c.FaultCount(); got != exp {
		t.Fatalf("expected %d faults; got %d", exp, got)
	}
}

func TestPageFaultDispatch(t *testing.T) {
	specs := []struct {
		descr    string
		dirFlags uint32
		pteFlags uint32
		write    bool
		user     bool
		wp       bool
		expCode  FaultCode
	}{
		{"read from non-present directory entry", pteRW, 0, false, false, false, 0},
		{"write to non-present leaf entry", ptePresent | pteRW, pteRW, true, false, false, FaultWrite},
		{"user read of supervisor page", ptePresent | pteRW, ptePresent | pteRW, false, true, false, FaultProtection | FaultUser},
		{"user read with supervisor directory entry", ptePresent | pteRW, ptePresent | pteRW | pteUser, false, true, false, FaultProtection | FaultUser},
		{"user write to read-only page", ptePresent | pteRW | pteUser, ptePresent | pteUser, true, true, false, FaultProtection | FaultWrite | FaultUser},
		{"supervisor write to read-only page with WP", ptePresent | pteRW, ptePresent, true, false, true, FaultProtection | FaultWrite},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			c, mem := setupCPU(t)
			mapTestPage(c, mem, testDataFrame, spec.dirFlags, spec.pteFlags)
			c.SetWriteProtect(spec.wp)

			var (
				gotCode  FaultCode
				gotCR2   uintptr
				expErr   = &kernel.Error{Module: "test", Message: "fault rejected"}
				callback = func(code FaultCode) *kernel.Error {
					gotCode, gotCR2 = code, c.ReadCR2()
					return expErr
				}
			)
			c.HandleFault(callback)

			if _, err := c.Translate(testVirtAddr+0x40, spec.write, spec.user); err != expErr {
				t.Fatalf("expected handler error to be returned; got %v", err)
			}
			if gotCode != spec.expCode {
				t.Fatalf("expected fault code %d (%s); got %d (%s)", spec.expCode, spec.expCode, gotCode, gotCode)
			}
			if exp := testVirtAddr + 0x40; gotCR2 != exp {
				t.Fatalf("expected CR2 to be 0x%x; got 0x%x", exp, gotCR2)
			}
		})
	}
}

func TestSupervisorWriteToReadOnlyPageWithoutWP(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, testDataFrame, ptePresent, ptePresent)

	if err := c.Write(testVirtAddr, []byte{0xff}, false); err != nil {
		t.Fatalf("expected supervisor write to succeed with CR0.WP clear; got %v", err)
	}
}

func TestFaultResolution(t *testing.T) {
	t.Run("handler maps the page", func(t *testing.T) {
		c, mem := setupCPU(t)
		mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, 0)

		c.HandleFault(func(code FaultCode) *kernel.Error {
			*entryAt(mem, testTableFrame, (c.ReadCR2()>>tableShift)&tableIndexMask) = uint32(testDataFrame.Address()) | ptePresent | pteRW
			return nil
		})

		if err := c.Write(testVirtAddr, []byte("ok"), false); err != nil {
			t.Fatal(err)
		}
		if exp, got := uint64(1), c.FaultCount(); got != exp {
			t.Fatalf("expected %d faults; got %d", exp, got)
		}
		if exp, got := "ok", string(mem.Bytes(testDataFrame.Address(), 2)); got != exp {
			t.Fatalf("expected %q; got %q", exp, got)
		}
	})

	t.Run("handler does not resolve the fault", func(t *testing.T) {
		c, mem := setupCPU(t)
		mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, 0)
		c.HandleFault(func(FaultCode) *kernel.Error { return nil })

		if _, err := c.ReadUint32(testVirtAddr, false); err != errFaultLoop {
			t.Fatalf("expected error %v; got %v", errFaultLoop, err)
		}
		// The second fault is detected but never dispatched.
		if exp, got := uint64(1), c.FaultCount(); got != exp {
			t.Fatalf("expected %d faults; got %d", exp, got)
		}
	})

	t.Run("no handler installed", func(t *testing.T) {
		c, mem := setupCPU(t)
		mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, 0)

		if _, err := c.Translate(testVirtAddr, false, false); err != errUnhandledFault {
			t.Fatalf("expected error %v; got %v", errUnhandledFault, err)
		}
	})
}

func TestTLB(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, ptePresent|pteRW)

	mem.Bytes(testDataFrame.Address(), 1)[0] = 'a'
	mem.Bytes(testAltFrame.Address(), 1)[0] = 'b'

	read := func() byte {
		buf := make([]byte, 1)
		if err := c.Read(testVirtAddr, buf, false); err != nil {
			t.Fatal(err)
		}
		return buf[0]
	}

	if got := read(); got != 'a' {
		t.Fatalf("expected to read 'a'; got %q", got)
	}

	// Remap the page behind the TLB's back.
	*entryAt(mem, testTableFrame, 5) = uint32(testAltFrame.Address()) | ptePresent | pteRW
	if got := read(); got != 'a' {
		t.Fatalf("expected stale TLB translation to be used; got %q", got)
	}

	c.SwitchPDT(c.ActivePDT())
	if got := read(); got != 'b' {
		t.Fatalf("expected CR3 reload to flush the TLB; got %q", got)
	}
}

func TestTLBCapacity(t *testing.T) {
	tlb := newTLB()
	for i := uintptr(0); i < 2*tlbCapacity; i++ {
		tlb.insert(i<<mm.PageShift, tlbEntry{frameAddr: i << mm.PageShift})
	}

	if exp, got := tlbCapacity, len(tlb.entries); got != exp {
		t.Fatalf("expected TLB to hold %d entries; got %d", exp, got)
	}

	tlb.flushAll()
	if len(tlb.entries) != 0 {
		t.Fatal("expected flushAll to empty the TLB")
	}
}

func TestRecursiveDirectoryMapping(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, ptePresent|pteRW)
	*entryAt(mem, testDirFrame, 1023) = uint32(testDirFrame.Address()) | ptePresent | pteRW

	// 0xFFFFF000 resolves to the directory itself.
	got, err := c.ReadUint32(0xFFFFF000+1<<mm.PointerShift, false)
	if err != nil {
		t.Fatal(err)
	}
	if exp := *entryAt(mem, testDirFrame, 1); got != exp {
		t.Fatalf("expected recursive mapping to expose directory entry 0x%x; got 0x%x", exp, got)
	}

	// 0xFFC00000 + 1*4096 resolves to the leaf table of directory entry 1.
	got, err = c.ReadUint32(0xFFC00000+1<<mm.PageShift+5<<mm.PointerShift, false)
	if err != nil {
		t.Fatal(err)
	}
	if exp := *entryAt(mem, testTableFrame, 5); got != exp {
		t.Fatalf("expected recursive mapping to expose leaf entry 0x%x; got 0x%x", exp, got)
	}
}

func TestAccessErrors(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, mm.Frame(4096), ptePresent|pteRW, ptePresent|pteRW)

	specs := []struct {
		descr  string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"misaligned word read", func() *kernel.Error { _, err := c.ReadUint32(testVirtAddr+1, false); return err }, errMisalignedAccess},
		{"misaligned word write", func() *kernel.Error { return c.WriteUint32(testVirtAddr+2, 0, false) }, errMisalignedAccess},
		{"frame outside memory", func() *kernel.Error { return c.Read(testVirtAddr, make([]byte, 4), false) }, errBusError},
		{"address outside 32-bit space", func() *kernel.Error {
			_, err := c.Translate(uintptr(mm.AddressSpaceLimit), false, false)
			return err
		}, errInvalidAddress},
	}

	for _, spec := range specs {
		if err := spec.fn(); err != spec.expErr {
			t.Errorf("[%s] expected error %v; got %v", spec.descr, spec.expErr, err)
		}
	}

	c.SwitchPDT(mm.Frame(4096).Address())
	if _, err := c.Translate(testVirtAddr, false, false); err != errBusError {
		t.Fatalf("expected directory outside memory to return %v; got %v", errBusError, err)
	}
}

func TestCrossPageAccess(t *testing.T) {
	c, mem := setupCPU(t)
	mapTestPage(c, mem, testDataFrame, ptePresent|pteRW, ptePresent|pteRW)
	*entryAt(mem, testTableFrame, 6) = uint32(testAltFrame.Address()) | ptePresent | pteRW

	data := []byte("spanning")
	start := testVirtAddr + mm.PageSize - 3
	if err := c.Write(start, data, false); err != nil {
		t.Fatal(err)
	}

	if exp, got := "spa", string(mem.Bytes(testDataFrame.Address()+mm.PageSize-3, 3)); got != exp {
		t.Fatalf("expected first page to hold %q; got %q", exp, got)
	}
	if exp, got := "nning", string(mem.Bytes(testAltFrame.Address(), 5)); got != exp {
		t.Fatalf("expected second page to hold %q; got %q", exp, got)
	}

	buf := make([]byte, len(data))
	if err := c.Read(start, buf, false); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(data) {
		t.Fatalf("expected to read back %q; got %q", data, buf)
	}
}

func TestFaultCodeString(t *testing.T) {
	specs := []struct {
		code FaultCode
		exp  string
	}{
		{0, "read from non-present page"},
		{FaultProtection, "page protection violation (read)"},
		{FaultWrite, "write to non-present page"},
		{FaultProtection | FaultWrite, "page protection violation (write)"},
		{FaultUser, "read from non-present page in user-mode"},
		{FaultProtection | FaultWrite | FaultUser, "page protection violation (write) in user-mode"},
		{8, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.code.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
