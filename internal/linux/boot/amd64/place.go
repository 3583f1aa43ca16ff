package amd64

import (
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

// placeBoot assigns addresses to every boot artefact without writing guest
// memory.
func placeBoot(l *layout.Layout, k *Kernel, initrd []byte, cmdline string) (*machine.BootInfo, error) {
	limit := min(k.CmdlineMax(), cmdlineRegion-1)
	if len(cmdline) > limit {
		return nil, hv.EncodingError(hv.ErrCommandLineTooLong, "place boot", uint64(len(cmdline)), uint64(limit))
	}

	info := &machine.BootInfo{
		Protocol:      k.Protocol,
		Version:       k.Version,
		Cmdline:       machine.Extent{Base: cmdlineAddr, Size: uint64(len(cmdline)) + 1},
		CmdlineLen:    len(cmdline),
		BootParams:    zeroPageAddr,
		StackTop:      stackTop,
		PageTableRoot: pml4Addr,
		GDT:           machine.Extent{Base: gdtAddr, Size: gdtEntries * 8},
		IDT:           machine.Extent{Base: idtAddr, Size: 8},
	}

	if acpi, ok := l.Named(regionACPI); ok {
		info.TableRoot = acpi.Base
		info.Tables = machine.Extent{Base: acpi.Base, Size: acpi.Size}
	}

	if err := placeKernel(l, k, info); err != nil {
		return nil, err
	}

	if len(initrd) > 0 {
		base, err := placeInitrd(l, uint64(len(initrd)), k.initrdLimit(), info.Kernel)
		if err != nil {
			return nil, err
		}
		info.Initrd = machine.Extent{Base: base, Size: uint64(len(initrd))}
		info.Segments = append(info.Segments, machine.Segment{Name: "initrd", Addr: base, Data: initrd})
	}
	return info, nil
}

func inRAM(l *layout.Layout, base hv.GuestAddress, size uint64) bool {
	r, ok := l.At(base, size)
	return ok && r.Purpose == layout.PurposeRAM
}

func placeKernel(l *layout.Layout, k *Kernel, info *machine.BootInfo) error {
	switch k.Protocol {
	case machine.ProtocolELF:
		lo, hi := hv.GuestAddress(^uint64(0)), hv.GuestAddress(0)
		for i, seg := range k.segments {
			base := hv.GuestAddress(seg.physAddr)
			if !inRAM(l, base, seg.memSize) {
				return hv.EncodingError(hv.ErrImageTooLarge, "place kernel", seg.memSize, uint64(l.RAMTop())).
					WithDetail("ELF segment [%s, %s) is not backed by RAM", base, base.Add(seg.memSize))
			}
			info.Segments = append(info.Segments, machine.Segment{
				Name:    fmt.Sprintf("kernel.%d", i),
				Addr:    base,
				Data:    seg.data,
				MemSize: seg.memSize,
			})
			lo, hi = min(lo, base), max(hi, base.Add(seg.memSize))
		}
		info.Kernel = machine.Extent{Base: lo, Size: uint64(hi - lo)}
		info.Entry = hv.GuestAddress(k.entry)
		return nil

	case machine.ProtocolFlat:
		size := uint64(len(k.payload))
		if !inRAM(l, flatLoadAddress, size) {
			return hv.EncodingError(hv.ErrImageTooLarge, "place kernel", size, uint64(l.RAMTop()))
		}
		info.Kernel = machine.Extent{Base: flatLoadAddress, Size: size}
		info.Entry = flatLoadAddress
		info.Segments = append(info.Segments, machine.Segment{Name: "kernel", Addr: flatLoadAddress, Data: k.payload})
		return nil
	}

	size := max(uint64(len(k.payload)), uint64(k.Header.InitSize))
	var candidates []hv.GuestAddress
	if k.Header.PrefAddress != 0 {
		candidates = append(candidates, hv.GuestAddress(k.Header.PrefAddress))
	}
	if k.Header.RelocatableKernel != 0 || len(candidates) == 0 {
		candidates = append(candidates, hv.GuestAddress(flatLoadAddress).AlignUp(k.alignment()))
	}
	for _, base := range candidates {
		if base.Add(size) > holeEnd || !inRAM(l, base, size) {
			continue
		}
		info.Kernel = machine.Extent{Base: base, Size: size}
		info.Entry = base.Add(bzImageEntryOffset)
		info.Segments = append(info.Segments, machine.Segment{Name: "kernel", Addr: base, Data: k.payload, MemSize: size})
		return nil
	}
	return hv.EncodingError(hv.ErrImageTooLarge, "place kernel", size, l.UsableRAM()).
		WithDetail("no RAM for the kernel at %v", candidates)
}

// placeInitrd puts the initrd as high as possible in RAM below limit without
// touching the kernel.
func placeInitrd(l *layout.Layout, size, limit uint64, kernel machine.Extent) (hv.GuestAddress, error) {
	ram := l.RAM()
	for i := len(ram) - 1; i >= 0; i-- {
		r := ram[i]
		top := min(r.End(), hv.GuestAddress(limit+1))
		if top <= r.Base || uint64(top-r.Base) < size {
			continue
		}
		base := (top - hv.GuestAddress(size)).AlignDown(layout.PageSize)
		if base < kernel.End() && kernel.Base < base.Add(size) {
			if kernel.Base < r.Base.Add(size) {
				continue
			}
			base = (kernel.Base - hv.GuestAddress(size)).AlignDown(layout.PageSize)
		}
		if base >= r.Base {
			return base, nil
		}
	}
	return 0, hv.EncodingError(hv.ErrImageTooLarge, "place initrd", size, limit).
		WithDetail("no RAM below %#x holds the initrd", limit)
}
