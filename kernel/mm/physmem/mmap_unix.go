//go:build linux || darwin || freebsd

package physmem

import "golang.org/x/sys/unix"

// mapMemory reserves an anonymous private mapping for the RAM image. The
// kernel hands it out zero-filled and page aligned.
func mapMemory(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func unmapMemory(data []byte) error {
	return unix.Munmap(data)
}
