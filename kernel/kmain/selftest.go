package kmain

import (
	"gophermm/kernel"
	"gophermm/kernel/mm/vmpool"
)

var (
	errSelfTestMismatch = &kernel.Error{Module: "kmain", Message: "memory self test read back an unexpected value"}
	errSelfTestLeak     = &kernel.Error{Module: "kmain", Message: "memory self test did not return all process frames"}
)

// SelfTestConfig controls the memory self test.
type SelfTestConfig struct {
	// Iterations is the number of regions allocated from each pool.
	Iterations int

	// CodeWords and HeapWords are the number of 32-bit words written to
	// each region of the code and heap pools.
	CodeWords int
	HeapWords int
}

// DefaultSelfTestConfig returns a self test that touches one page per code
// region and three pages per heap region.
func DefaultSelfTestConfig() SelfTestConfig {
	return SelfTestConfig{
		Iterations: 32,
		CodeWords:  1024,
		HeapWords:  3000,
	}
}

// SelfTest exercises demand paging through both VM pools. Each iteration
// allocates a region, fills it through the MMU, reads it back and releases
// it. Once all regions are released every process frame must be free again.
func (k *Kernel) SelfTest(cfg SelfTestConfig) *kernel.Error {
	freeBefore := k.processPool.FreeFrames()

	for _, spec := range []struct {
		name  string
		pool  *vmpool.VMPool
		words int
	}{
		{"code", k.codePool, cfg.CodeWords},
		{"heap", k.heapPool, cfg.HeapWords},
	} {
		logger.Printf("testing %s pool\n", spec.name)
		for i := 0; i < cfg.Iterations; i++ {
			if err := k.testRegion(spec.pool, spec.words, uint32(i)); err != nil {
				logger.Printf("%s pool test failed at iteration %d: %s\n", spec.name, i, err.Message)
				return err
			}
		}
		logger.Printf("%s pool test passed: %d frames free\n", spec.name, spec.pool.FramePool().FreeFrames())
	}

	if freeAfter := k.processPool.FreeFrames(); freeAfter != freeBefore {
		logger.Printf("self test leaked %d process frames\n", int64(freeBefore)-int64(freeAfter))
		return errSelfTestLeak
	}

	logger.Printf("memory self test passed: %d process frames free\n", k.processPool.FreeFrames())
	return nil
}

func (k *Kernel) testRegion(pool *vmpool.VMPool, words int, seed uint32) *kernel.Error {
	if words <= 0 {
		return nil
	}

	base, err := pool.Allocate(uintptr(words) * 4)
	if err != nil {
		return err
	}

	for j := 0; j < words; j++ {
		if err = k.cpu.WriteUint32(base+uintptr(j)*4, seed+uint32(j), false); err != nil {
			return err
		}
	}

	for j := 0; j < words; j++ {
		got, err := k.cpu.ReadUint32(base+uintptr(j)*4, false)
		if err != nil {
			return err
		}
		if got != seed+uint32(j) {
			return errSelfTestMismatch
		}
	}

	return pool.Release(base)
}
