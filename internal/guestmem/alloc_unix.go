//go:build unix

package guestmem

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous private memory. Pages are only committed when the
// guest image touches them, so large guests cost little until written.
func allocate(size uint64) ([]byte, func() error, error) {
	if size > math.MaxInt {
		return nil, nil, fmt.Errorf("size %#x exceeds host limits", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
