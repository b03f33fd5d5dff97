//go:build !linux && !darwin && !freebsd

package physmem

// mapMemory falls back to a heap allocated image on platforms without mmap.
func mapMemory(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapMemory(_ []byte) error {
	return nil
}
