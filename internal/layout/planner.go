package layout

import (
	"github.com/tinyrange/vmboot/internal/debug"
	"github.com/tinyrange/vmboot/internal/hv"
)

// Request is the architecture-neutral input to Plan.
type Request struct {
	MemorySize uint64
	VcpuCount  int
	Devices    []hv.DeviceDescriptor
}

// Constraints describe one architecture's address map. They are supplied by
// the architecture packages.
type Constraints struct {
	Arch hv.CpuArchitecture

	MinMemory uint64
	MaxMemory uint64
	MaxVcpus  int

	// RAMBase is where guest memory starts. When the memory would cross
	// HoleStart it is split and the remainder relocated to HoleEnd.
	RAMBase   hv.GuestAddress
	HoleStart hv.GuestAddress
	HoleEnd   hv.GuestAddress

	// Windows lists every MMIO window. DeviceWindow names the one device
	// MMIO is carved from.
	Windows      []Window
	DeviceWindow string

	DefaultDeviceMMIOSize uint64
	DeviceAlign           uint64

	// IRQBase is the first interrupt line handed to devices; IRQReserved
	// lines are skipped and IRQLimit is exclusive.
	IRQBase     uint32
	IRQLimit    uint32
	IRQReserved []uint32

	// Fixed returns the ABI-mandated regions for req. It is called after the
	// memory spans are known.
	Fixed func(req Request, spans []Span) []Region
}

var trace = debug.WithSource("layout")

// Spans splits size bytes of memory around the constraint's hole.
func (c *Constraints) Spans(size uint64) []Span {
	if c.HoleStart == 0 || c.RAMBase.Add(size) <= c.HoleStart {
		return []Span{{Base: c.RAMBase, Size: size}}
	}
	low := uint64(c.HoleStart - c.RAMBase)
	return []Span{
		{Base: c.RAMBase, Size: low},
		{Base: c.HoleEnd, Size: size - low},
	}
}

func (c *Constraints) window(name string) (Window, bool) {
	for _, w := range c.Windows {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// Plan partitions guest physical address space. It reserves the fixed ABI
// regions, then device MMIO windows lowest-address-first, then fills the
// rest of memory with RAM. Plan is a pure function of its inputs.
func Plan(c *Constraints, req Request) (*Layout, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}

	l := newLayout(c.Arch, req.MemorySize, req.VcpuCount)
	l.spans = c.Spans(req.MemorySize)
	l.windows = append([]Window(nil), c.Windows...)

	if c.Fixed != nil {
		for _, r := range c.Fixed(req, l.Spans()) {
			if err := l.insert(r); err != nil {
				return nil, err
			}
		}
	}

	if err := l.placeDevices(c, req.Devices); err != nil {
		return nil, err
	}

	if err := l.fillRAM(); err != nil {
		return nil, err
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}

	trace.Writef("planned %s: %d regions, usable %#x, reserved %#x",
		c.Arch, l.Len(), l.UsableRAM(), l.ReservedBytes())
	return l, nil
}

func (c *Constraints) check(req Request) error {
	if req.VcpuCount < 1 || (c.MaxVcpus > 0 && req.VcpuCount > c.MaxVcpus) {
		return hv.ConfigError(hv.ErrUnsupportedVcpuCount, "plan memory", uint64(req.VcpuCount), uint64(c.MaxVcpus))
	}
	if req.MemorySize < c.MinMemory {
		return hv.ConfigError(hv.ErrInsufficientMemory, "plan memory", req.MemorySize, c.MinMemory)
	}
	if c.MaxMemory != 0 && req.MemorySize > c.MaxMemory {
		return hv.ConfigError(hv.ErrUnsupported, "plan memory", req.MemorySize, c.MaxMemory).
			WithDetail("memory size above addressable ceiling")
	}
	if req.MemorySize%PageSize != 0 {
		return hv.ConfigError(hv.ErrUnsupported, "plan memory", req.MemorySize, PageSize).
			WithDetail("memory size is not page aligned")
	}
	seen := make(map[string]struct{}, len(req.Devices))
	for _, d := range req.Devices {
		if d.Name == "" {
			return hv.ConfigError(hv.ErrInvalidTopology, "plan memory", 0, 0).WithDetail("device without a name")
		}
		if _, dup := seen[d.Name]; dup {
			return hv.ConfigError(hv.ErrInvalidTopology, "plan memory", 0, 0).WithDetail("duplicate device %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Kind != hv.DeviceVirtioMMIO && d.Kind != hv.DevicePCI {
			return hv.ConfigError(hv.ErrUnsupported, "plan memory", uint64(d.Kind), 0).WithDetail("device %q kind %s", d.Name, d.Kind)
		}
		if d.MMIOSize != 0 && d.MMIOSize&(d.MMIOSize-1) != 0 {
			return hv.ConfigError(hv.ErrUnsupported, "plan memory", d.MMIOSize, 0).
				WithDetail("device %q MMIO size is not a power of two", d.Name)
		}
	}
	return nil
}

func (l *Layout) placeDevices(c *Constraints, devs []hv.DeviceDescriptor) error {
	if len(devs) == 0 {
		return nil
	}
	w, ok := c.window(c.DeviceWindow)
	if !ok {
		return hv.ConfigError(hv.ErrUnsupported, "place devices", 0, 0).
			WithDetail("%s has no device MMIO window", c.Arch)
	}

	gsi := NewGSIAllocator(c.IRQBase, c.IRQLimit, c.IRQReserved)
	sorted := hv.SortDevices(devs)

	// Statically assigned lines are claimed first so allocation never hands
	// them out to another device.
	for _, d := range sorted {
		if d.IRQ != 0 {
			if err := gsi.Claim(d.IRQ); err != nil {
				return hv.ConfigError(hv.ErrInvalidTopology, "place devices", uint64(d.IRQ), uint64(c.IRQLimit)).
					WithDetail("device %q: %v", d.Name, err)
			}
		}
	}

	pciSlots := make(map[uint32]string)
	for _, d := range sorted {
		dw := DeviceWindow{Device: d, IRQ: d.IRQ}
		if dw.IRQ == 0 {
			irq, err := gsi.Allocate()
			if err != nil {
				return hv.ConfigError(hv.ErrInvalidTopology, "place devices", uint64(len(devs)), uint64(c.IRQLimit)).
					WithDetail("device %q: %v", d.Name, err)
			}
			dw.IRQ = irq
		}

		switch d.Kind {
		case hv.DeviceVirtioMMIO:
			size := d.MMIOSize
			if size == 0 {
				size = c.DefaultDeviceMMIOSize
			}
			align := c.DeviceAlign
			if size > align {
				align = size
			}
			r, err := l.place(w, d.Name, size, align, PurposeDeviceMMIO)
			if err != nil {
				return err
			}
			dw.Region = r
		case hv.DevicePCI:
			if d.BusAddress > 31 {
				return hv.ConfigError(hv.ErrInvalidTopology, "place devices", uint64(d.BusAddress), 31).
					WithDetail("pci device %q slot", d.Name)
			}
			if other, dup := pciSlots[d.BusAddress]; dup {
				return hv.ConfigError(hv.ErrInvalidTopology, "place devices", uint64(d.BusAddress), 31).
					WithDetail("pci devices %q and %q share a slot", other, d.Name)
			}
			pciSlots[d.BusAddress] = d.Name
		}
		l.devices = append(l.devices, dw)
	}
	return nil
}

// HasPCI reports whether any device sits behind a PCI host bridge.
func HasPCI(devs []hv.DeviceDescriptor) bool {
	for _, d := range devs {
		if d.Kind == hv.DevicePCI {
			return true
		}
	}
	return false
}
