//go:build linux

package physmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var hostPageSize = uintptr(unix.Getpagesize())

// discardable reports whether b belongs to the mapped image and covers
// whole host pages.
func discardable(b []byte, mapped bool) bool {
	if !mapped || len(b) == 0 {
		return false
	}
	start := uintptr(unsafe.Pointer(&b[0]))
	return start%hostPageSize == 0 && uintptr(len(b))%hostPageSize == 0
}

// zeroRange clears b. On linux, MADV_DONTNEED on a private anonymous mapping
// drops the backing pages and later reads observe zero-filled pages. Ranges
// that do not cover whole host pages are cleared in place.
func zeroRange(b []byte, mapped bool) {
	if discardable(b, mapped) {
		if err := unix.Madvise(b, unix.MADV_DONTNEED); err == nil {
			return
		}
	}
	clear(b)
}
