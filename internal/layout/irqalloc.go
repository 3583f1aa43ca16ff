package layout

import (
	"fmt"
	"sync"
)

// GSIAllocator hands out global system interrupts, avoiding collisions between
// devices that need unique lines (e.g. virtio-mmio instances).
type GSIAllocator struct {
	mu       sync.Mutex
	next     uint32
	limit    uint32
	reserved map[uint32]struct{}
}

// NewGSIAllocator allocates from start up to limit (exclusive, 0 for no
// limit), skipping the reserved lines.
func NewGSIAllocator(start, limit uint32, reserved []uint32) *GSIAllocator {
	r := make(map[uint32]struct{}, len(reserved))
	for _, v := range reserved {
		r[v] = struct{}{}
	}
	return &GSIAllocator{
		next:     start,
		limit:    limit,
		reserved: r,
	}
}

func (a *GSIAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.limit != 0 && a.next >= a.limit {
			return 0, fmt.Errorf("interrupt lines exhausted at %d", a.limit)
		}
		if _, used := a.reserved[a.next]; !used {
			v := a.next
			a.reserved[v] = struct{}{}
			a.next++
			return v, nil
		}
		a.next++
	}
}

// Claim marks a statically assigned line as used.
func (a *GSIAllocator) Claim(line uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit != 0 && line >= a.limit {
		return fmt.Errorf("interrupt line %d beyond limit %d", line, a.limit)
	}
	if _, used := a.reserved[line]; used {
		return fmt.Errorf("interrupt line %d already in use", line)
	}
	a.reserved[line] = struct{}{}
	return nil
}
