package guestmem

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

var ErrUnmapped = errors.New("guestmem: access outside mapped memory")

type slot struct {
	base hv.GuestAddress
	data []byte
	free func() error
}

func (s *slot) end() hv.GuestAddress { return s.base.Add(uint64(len(s.data))) }

// Memory is a set of guest memory slots. Accesses must fall entirely inside
// one slot.
type Memory struct {
	mu    sync.RWMutex
	slots []*slot
}

var _ hv.GuestMemory = (*Memory)(nil)

func New() *Memory { return &Memory{} }

// ForLayout maps one slot per memory span of l.
func ForLayout(l *layout.Layout) (*Memory, error) {
	m := New()
	for _, span := range l.Spans() {
		if err := m.AddRegion(span.Base, span.Size); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// AddRegion maps size bytes of zeroed memory at base.
func (m *Memory) AddRegion(base hv.GuestAddress, size uint64) error {
	if size == 0 {
		return fmt.Errorf("guestmem: zero-size region at %s", base)
	}
	if base.Add(size) < base {
		return fmt.Errorf("guestmem: region at %s wraps", base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].base >= base })
	if i > 0 && m.slots[i-1].end() > base {
		return fmt.Errorf("guestmem: region [%s, %s) overlaps slot at %s", base, base.Add(size), m.slots[i-1].base)
	}
	if i < len(m.slots) && m.slots[i].base < base.Add(size) {
		return fmt.Errorf("guestmem: region [%s, %s) overlaps slot at %s", base, base.Add(size), m.slots[i].base)
	}

	data, free, err := allocate(size)
	if err != nil {
		return fmt.Errorf("guestmem: allocate %#x bytes: %w", size, err)
	}
	m.slots = append(m.slots, nil)
	copy(m.slots[i+1:], m.slots[i:])
	m.slots[i] = &slot{base: base, data: data, free: free}
	return nil
}

func (m *Memory) find(addr hv.GuestAddress, n int) (*slot, int, error) {
	i := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].end() > addr })
	if i == len(m.slots) {
		return nil, 0, ErrUnmapped
	}
	s := m.slots[i]
	if addr < s.base || addr.Add(uint64(n)) > s.end() || addr.Add(uint64(n)) < addr {
		return nil, 0, ErrUnmapped
	}
	return s, int(addr - s.base), nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrUnmapped
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, start, err := m.find(hv.GuestAddress(off), len(p))
	if err != nil {
		return 0, fmt.Errorf("read [%#x, +%#x): %w", off, len(p), err)
	}
	return copy(p, s.data[start:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrUnmapped
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, start, err := m.find(hv.GuestAddress(off), len(p))
	if err != nil {
		return 0, fmt.Errorf("write [%#x, +%#x): %w", off, len(p), err)
	}
	return copy(s.data[start:], p), nil
}

// Spans lists the mapped slots in address order.
func (m *Memory) Spans() []layout.Span {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]layout.Span, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, layout.Span{Base: s.base, Size: uint64(len(s.data))})
	}
	return out
}

// WriteTo streams every slot in address order. Holes between slots are not
// represented.
func (m *Memory) WriteTo(w io.Writer) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.slots {
		n, err := w.Write(s.data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases every slot.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.slots {
		if s.free != nil {
			errs = append(errs, s.free())
		}
	}
	m.slots = nil
	return errors.Join(errs...)
}
