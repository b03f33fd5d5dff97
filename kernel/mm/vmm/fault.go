package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
)

// pageFaultHandler is installed as the CPU's fault handler. It decodes the
// write and user bits of the error code and forwards the fault to the
// current address space.
func (p *Paging) pageFaultHandler(code cpu.FaultCode) *kernel.Error {
	as := p.Current()
	if as == nil {
		return nonRecoverablePageFault(p.cpu.ReadCR2(), code, ErrNoActiveAddressSpace)
	}

	return as.HandleFault(p.cpu.ReadCR2(), code.IsWrite(), code.IsUser())
}

func nonRecoverablePageFault(faultAddress uintptr, code cpu.FaultCode, err *kernel.Error) *kernel.Error {
	logger.Printf("page fault while accessing address: 0x%8x\n", faultAddress)
	logger.Printf("reason: %s (%s)\n", code, err.Message)
	return err
}
