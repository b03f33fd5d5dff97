package vmpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/physmem"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
)

func TestDemandPagedRegions(t *testing.T) {
	mem, err := physmem.New(16 * mm.Mb)
	require.Nil(t, err)
	defer func() { _ = mem.Close() }()

	var (
		c      = cpu.New(mem)
		frames = pmm.NewRegistry()
	)

	kernelPool, kerr := pmm.NewFramePool(frames, mem, 512, 512, pmm.InternalInfoFrame)
	require.Nil(t, kerr)
	processPool, kerr := pmm.NewFramePool(frames, mem, 1024, 1024, pmm.InternalInfoFrame)
	require.Nil(t, kerr)

	paging, kerr := vmm.InitPaging(c, frames, kernelPool, processPool, 4*uintptr(mm.Mb))
	require.Nil(t, kerr)

	as, kerr := paging.NewAddressSpace()
	require.Nil(t, kerr)
	paging.InstallFaultHandler()
	as.Load()
	as.EnablePaging()

	// Pools over the identity-mapped shared region or the page table
	// window would never fault.
	_, kerr = New(2*uintptr(mm.Mb), uintptr(mm.Mb), processPool, as, PolicyPoolBounds)
	require.Same(t, ErrInvalidPoolGeometry, kerr)
	_, kerr = New(vmm.LeafTableVirtualAddr(0), 2*uintptr(mm.Mb), processPool, as, PolicyPoolBounds)
	require.Same(t, ErrInvalidPoolGeometry, kerr)

	code, kerr := New(testBase, testSize, processPool, as, PolicyAllocatedRegions)
	require.Nil(t, kerr)
	heap, kerr := New(2*testBase, testSize, processPool, as, PolicyPoolBounds)
	require.Nil(t, kerr)

	region, kerr := code.Allocate(3 * mm.PageSize)
	require.Nil(t, kerr)

	var (
		kernelFree  = kernelPool.FreeFrames()
		processFree = processPool.FreeFrames()
	)

	// First touch: one leaf table and one data frame.
	require.Nil(t, c.WriteUint32(region, 0xfeedface, false))
	require.Equal(t, kernelFree-1, kernelPool.FreeFrames())
	require.Equal(t, processFree-1, processPool.FreeFrames())

	// Same leaf table, one more data frame.
	require.Nil(t, c.WriteUint32(region+2*mm.PageSize, 1, false))
	require.Equal(t, kernelFree-1, kernelPool.FreeFrames())
	require.Equal(t, processFree-2, processPool.FreeFrames())

	got, kerr := c.ReadUint32(region, false)
	require.Nil(t, kerr)
	require.Equal(t, uint32(0xfeedface), got)

	// The unallocated tail of the strict pool is rejected; the coarse heap
	// pool accepts anything inside its range.
	require.Same(t, vmm.ErrProtectionFault, c.WriteUint32(region+3*mm.PageSize, 1, false))
	require.Same(t, vmm.ErrProtectionFault, c.WriteUint32(testBase, 1, false))
	require.Nil(t, c.WriteUint32(heap.Base()+testSize-4, 1, false))
	require.Equal(t, processFree-3, processPool.FreeFrames())

	require.Nil(t, code.Release(region))
	require.Equal(t, processFree-1, processPool.FreeFrames())

	_, kerr = as.Translate(region)
	require.Same(t, vmm.ErrInvalidMapping, kerr)
	require.Same(t, vmm.ErrProtectionFault, c.WriteUint32(region, 1, false))
}
