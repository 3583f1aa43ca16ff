package riscv64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

const cmdlineMax = 1024

func inRAM(l *layout.Layout, base hv.GuestAddress, size uint64) bool {
	r, ok := l.At(base, size)
	return ok && r.Purpose == layout.PurposeRAM
}

func placeBoot(l *layout.Layout, k *Kernel, initrd []byte, cmdline string) (*machine.BootInfo, error) {
	if len(cmdline) > cmdlineMax {
		return nil, hv.EncodingError(hv.ErrCommandLineTooLong, "place boot", uint64(len(cmdline)), cmdlineMax)
	}
	dtb, ok := l.Named(regionDTB)
	if !ok {
		return nil, hv.LayoutError(hv.ErrOutOfRange, "place boot", 0, 0).WithDetail("layout has no device tree region")
	}

	info := &machine.BootInfo{
		Protocol:   k.Protocol,
		Version:    k.VersionString(),
		Compressed: k.Compressed,
		CmdlineLen: len(cmdline),
		TableRoot:  dtb.Base,
		Tables:     machine.Extent{Base: dtb.Base, Size: dtb.Size},
	}
	if stack, ok := l.Named(regionStack); ok {
		info.StackTop = stack.End()
	}

	entry := l.RAMBase().AlignUp(imageLoadAlignment).Add(k.Header.TextOffset)
	size := k.LoadSize()
	if sbi, ok := l.Named(regionSBI); ok && entry < sbi.End() && entry.Add(size) > sbi.Base {
		return nil, hv.EncodingError(hv.ErrMalformedImage, "place kernel", k.Header.TextOffset, sbi.Size).
			WithDetail("kernel [%s, %s) overlaps SBI firmware region %s", entry, entry.Add(size), sbi)
	}
	if !inRAM(l, entry, size) {
		return nil, hv.EncodingError(hv.ErrImageTooLarge, "place kernel", size, l.UsableRAM()).
			WithDetail("kernel [%s, %s) is not backed by RAM", entry, entry.Add(size))
	}
	info.Entry = entry
	info.Kernel = machine.Extent{Base: entry, Size: size}
	info.Segments = append(info.Segments, machine.Segment{Name: "kernel", Addr: entry, Data: k.Payload(), MemSize: size})

	if len(initrd) > 0 {
		start := info.Kernel.End().AlignUp(layout.PageSize)
		n := uint64(len(initrd))
		if !inRAM(l, start, n) {
			return nil, hv.EncodingError(hv.ErrImageTooLarge, "place initrd", n, l.UsableRAM()).
				WithDetail("initrd [%s, %s) is not backed by RAM", start, start.Add(n))
		}
		info.Initrd = machine.Extent{Base: start, Size: n}
		info.Segments = append(info.Segments, machine.Segment{Name: "initrd", Addr: start, Data: initrd})
	}
	return info, nil
}
