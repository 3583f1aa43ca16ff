package layout

import (
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
)

const PageSize = 0x1000

// Purpose says what a region of guest physical address space is used for.
type Purpose uint8

const (
	PurposeInvalid Purpose = iota
	PurposeRAM
	PurposeReserved
	PurposeFirmware
	PurposeDescriptorTables
	PurposeBootParams
	PurposeStack
	PurposePageTables
	PurposeCommandLine
	PurposeFirmwareTables
	PurposeMMIO
	PurposeDeviceMMIO
)

var purposeNames = map[Purpose]string{
	PurposeRAM:              "ram",
	PurposeReserved:         "reserved",
	PurposeFirmware:         "firmware",
	PurposeDescriptorTables: "descriptor-tables",
	PurposeBootParams:       "boot-params",
	PurposeStack:            "stack",
	PurposePageTables:       "page-tables",
	PurposeCommandLine:      "cmdline",
	PurposeFirmwareTables:   "firmware-tables",
	PurposeMMIO:             "mmio",
	PurposeDeviceMMIO:       "device-mmio",
}

func (p Purpose) String() string {
	if s, ok := purposeNames[p]; ok {
		return s
	}
	return fmt.Sprintf("purpose(%d)", uint8(p))
}

// MinAlignment is the alignment every region of this purpose must satisfy.
// Architectures may ask for more (for example a 2 MiB device tree region).
func (p Purpose) MinAlignment() uint64 {
	switch p {
	case PurposeDeviceMMIO:
		return 0x200
	case PurposeInvalid:
		return 0
	default:
		return PageSize
	}
}

// IsMMIO reports whether regions of this purpose decode to devices rather
// than memory.
func (p Purpose) IsMMIO() bool {
	return p == PurposeMMIO || p == PurposeDeviceMMIO
}

// Region is one entry of a Layout.
type Region struct {
	Name    string
	Base    hv.GuestAddress
	Size    uint64
	Purpose Purpose
	Align   uint64
}

func (r Region) End() hv.GuestAddress { return r.Base.Add(r.Size) }

// Contains reports whether [addr, addr+size) lies inside r.
func (r Region) Contains(addr hv.GuestAddress, size uint64) bool {
	return addr >= r.Base && addr.Add(size) <= r.End() && addr.Add(size) >= addr
}

func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) alignment() uint64 {
	if r.Align > r.Purpose.MinAlignment() {
		return r.Align
	}
	return r.Purpose.MinAlignment()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s %s", uint64(r.Base), uint64(r.End()), r.Purpose, r.Name)
}

// Span is a range of guest physical addresses backed by memory.
type Span struct {
	Base hv.GuestAddress
	Size uint64
}

func (s Span) End() hv.GuestAddress { return s.Base.Add(s.Size) }

func (s Span) contains(r Region) bool {
	return r.Base >= s.Base && r.End() <= s.End()
}

// Window is a named range reserved for memory-mapped I/O.
type Window struct {
	Name string
	Base hv.GuestAddress
	Size uint64
}

func (w Window) End() hv.GuestAddress { return w.Base.Add(w.Size) }

func (w Window) contains(r Region) bool {
	return r.Base >= w.Base && r.End() <= w.End()
}

// DeviceWindow records the MMIO range and interrupt assigned to a device.
type DeviceWindow struct {
	Device hv.DeviceDescriptor
	Region Region
	IRQ    uint32
}
