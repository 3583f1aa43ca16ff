package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/vmboot/internal/hv"
)

// Layout is an ordered set of non-overlapping regions. It is built by Plan
// and read-only afterwards, so it may be shared between goroutines.
type Layout struct {
	arch        hv.CpuArchitecture
	totalMemory uint64
	vcpus       int

	spans   []Span
	windows []Window
	regions *btree.BTreeG[Region]
	devices []DeviceWindow
}

func lessByBase(a, b Region) bool { return a.Base < b.Base }

func newLayout(arch hv.CpuArchitecture, total uint64, vcpus int) *Layout {
	return &Layout{
		arch:        arch,
		totalMemory: total,
		vcpus:       vcpus,
		regions:     btree.NewG[Region](8, lessByBase),
	}
}

func (l *Layout) Arch() hv.CpuArchitecture { return l.arch }
func (l *Layout) TotalMemory() uint64      { return l.totalMemory }
func (l *Layout) VcpuCount() int           { return l.vcpus }
func (l *Layout) Len() int                 { return l.regions.Len() }

func (l *Layout) Spans() []Span {
	return append([]Span(nil), l.spans...)
}

func (l *Layout) Windows() []Window {
	return append([]Window(nil), l.windows...)
}

func (l *Layout) Devices() []DeviceWindow {
	return append([]DeviceWindow(nil), l.devices...)
}

// RAMBase is the lowest memory-backed address.
func (l *Layout) RAMBase() hv.GuestAddress {
	if len(l.spans) == 0 {
		return 0
	}
	return l.spans[0].Base
}

// RAMTop is the first address after the highest memory-backed span.
func (l *Layout) RAMTop() hv.GuestAddress {
	if len(l.spans) == 0 {
		return 0
	}
	return l.spans[len(l.spans)-1].End()
}

// Regions returns every region in ascending address order.
func (l *Layout) Regions() []Region {
	out := make([]Region, 0, l.regions.Len())
	l.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Find returns the lowest region with the given purpose.
func (l *Layout) Find(p Purpose) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	l.regions.Ascend(func(r Region) bool {
		if r.Purpose == p {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (l *Layout) FindAll(p Purpose) []Region {
	var out []Region
	l.regions.Ascend(func(r Region) bool {
		if r.Purpose == p {
			out = append(out, r)
		}
		return true
	})
	return out
}

func (l *Layout) Named(name string) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	l.regions.Ascend(func(r Region) bool {
		if r.Name == name {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (l *Layout) RAM() []Region { return l.FindAll(PurposeRAM) }

// UsableRAM is the number of bytes handed to the guest as general RAM.
func (l *Layout) UsableRAM() uint64 {
	var n uint64
	for _, r := range l.RAM() {
		n += r.Size
	}
	return n
}

// ReservedBytes counts memory-backed bytes that are not general RAM.
func (l *Layout) ReservedBytes() uint64 {
	var n uint64
	l.regions.Ascend(func(r Region) bool {
		if r.Purpose != PurposeRAM && !r.Purpose.IsMMIO() {
			n += r.Size
		}
		return true
	})
	return n
}

// At returns the region that fully contains [addr, addr+size).
func (l *Layout) At(addr hv.GuestAddress, size uint64) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	l.regions.DescendLessOrEqual(Region{Base: addr}, func(r Region) bool {
		if r.Contains(addr, size) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// insert adds r, rejecting overlaps with any existing region.
func (l *Layout) insert(r Region) error {
	if r.Size == 0 {
		return hv.LayoutError(hv.ErrUnsupported, "insert region", uint64(r.Base), 0).
			WithDetail("zero-size region %s", r.Name)
	}
	if r.End() < r.Base {
		return hv.LayoutError(hv.ErrOutOfRange, "insert region", uint64(r.Base), r.Size).
			WithDetail("region %s wraps the address space", r.Name)
	}
	if !r.Base.IsAligned(r.alignment()) {
		return hv.LayoutError(hv.ErrMisaligned, "insert region", uint64(r.Base), r.alignment()).
			WithDetail("region %s", r.Name)
	}
	if other, ok := l.overlapping(r); ok {
		return hv.LayoutError(hv.ErrOverlap, "insert region", uint64(r.Base), r.Size).
			WithDetail("%s overlaps %s", r, other)
	}
	l.regions.ReplaceOrInsert(r)
	return nil
}

func (l *Layout) overlapping(r Region) (Region, bool) {
	var (
		hit Region
		ok  bool
	)
	l.regions.DescendLessOrEqual(Region{Base: r.Base}, func(prev Region) bool {
		if prev.Overlaps(r) {
			hit, ok = prev, true
		}
		return false
	})
	if ok {
		return hit, true
	}
	l.regions.AscendGreaterOrEqual(Region{Base: r.Base}, func(next Region) bool {
		if next.Base >= r.End() {
			return false
		}
		if next.Overlaps(r) {
			hit, ok = next, true
			return false
		}
		return true
	})
	return hit, ok
}

// place finds the lowest address inside w where a region of the given size
// and alignment fits, inserts it and returns it.
func (l *Layout) place(w Window, name string, size, align uint64, purpose Purpose) (Region, error) {
	r := Region{Name: name, Size: size, Purpose: purpose, Align: align}
	align = r.alignment()

	cursor := w.Base.AlignUp(align)
	var placed bool
	l.regions.AscendGreaterOrEqual(Region{Base: 0}, func(existing Region) bool {
		if existing.End() <= cursor {
			return true
		}
		if existing.Base >= w.End() {
			return false
		}
		if cursor.Add(size) <= existing.Base {
			placed = true
			return false
		}
		cursor = existing.End().AlignUp(align)
		return true
	})
	if !placed && cursor.Add(size) > w.End() {
		return Region{}, hv.LayoutError(hv.ErrInsufficientMemory, "place "+name, size, w.Size).
			WithDetail("window %s [%#x, %#x) has no gap for %#x bytes", w.Name, uint64(w.Base), uint64(w.End()), size)
	}
	r.Base = cursor
	if err := l.insert(r); err != nil {
		return Region{}, err
	}
	return r, nil
}

// fillRAM turns every gap inside the memory spans into a RAM region.
func (l *Layout) fillRAM() error {
	for _, span := range l.spans {
		cursor := span.Base
		var gaps []Region
		l.regions.AscendGreaterOrEqual(Region{Base: 0}, func(r Region) bool {
			if r.End() <= span.Base {
				return true
			}
			if r.Base >= span.End() {
				return false
			}
			if r.Base > cursor {
				gaps = append(gaps, Region{Name: "ram", Base: cursor, Size: uint64(r.Base - cursor), Purpose: PurposeRAM})
			}
			if r.End() > cursor {
				cursor = r.End()
			}
			return true
		})
		if cursor < span.End() {
			gaps = append(gaps, Region{Name: "ram", Base: cursor, Size: uint64(span.End() - cursor), Purpose: PurposeRAM})
		}
		for _, g := range gaps {
			if err := l.insert(g); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks the layout invariants: no overlap, every region inside a
// memory span or an MMIO window, and per-purpose alignment.
func (l *Layout) Validate() error {
	var (
		prev    Region
		hasPrev bool
		err     error
	)
	l.regions.Ascend(func(r Region) bool {
		if hasPrev && prev.End() > r.Base {
			err = hv.LayoutError(hv.ErrOverlap, "validate", uint64(r.Base), r.Size).
				WithDetail("%s overlaps %s", r, prev)
			return false
		}
		if !r.Base.IsAligned(r.alignment()) {
			err = hv.LayoutError(hv.ErrMisaligned, "validate", uint64(r.Base), r.alignment()).
				WithDetail("%s", r)
			return false
		}
		if !l.covered(r) {
			err = hv.LayoutError(hv.ErrOutOfRange, "validate", uint64(r.Base), r.Size).
				WithDetail("%s lies outside memory and MMIO windows", r)
			return false
		}
		prev, hasPrev = r, true
		return true
	})
	return err
}

func (l *Layout) covered(r Region) bool {
	if r.Purpose.IsMMIO() {
		for _, w := range l.windows {
			if w.contains(r) {
				return true
			}
		}
		return false
	}
	for _, s := range l.spans {
		if s.contains(r) {
			return true
		}
	}
	return false
}

// AppendBinary appends a canonical encoding of the layout to b.
func (l *Layout) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, l.totalMemory)
	b = binary.LittleEndian.AppendUint32(b, uint32(l.vcpus))
	l.regions.Ascend(func(r Region) bool {
		b = binary.LittleEndian.AppendUint64(b, uint64(r.Base))
		b = binary.LittleEndian.AppendUint64(b, r.Size)
		b = append(b, byte(r.Purpose))
		b = append(b, r.Name...)
		b = append(b, 0)
		return true
	})
	for _, d := range l.devices {
		b = append(b, d.Device.Name...)
		b = append(b, 0)
		b = binary.LittleEndian.AppendUint32(b, d.IRQ)
	}
	return b
}

func (l *Layout) String() string {
	return fmt.Sprintf("layout(%s, %#x bytes, %d regions)", l.arch, l.totalMemory, l.regions.Len())
}
