package arm64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

const cmdlineMax = 2048

func inRAM(l *layout.Layout, base hv.GuestAddress, size uint64) bool {
	r, ok := l.At(base, size)
	return ok && r.Purpose == layout.PurposeRAM
}

// placeBoot assigns guest addresses to the kernel, initrd and device tree.
// The command line travels inside the device tree.
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
		Compressed: k.Compressed,
		CmdlineLen: len(cmdline),
		TableRoot:  dtb.Base,
		Tables:     machine.Extent{Base: dtb.Base, Size: dtb.Size},
	}
	if stack, ok := l.Named(regionStack); ok {
		info.StackTop = stack.End()
	}

	base := l.RAMBase().AlignUp(imageLoadAlignment)
	entry, err := k.Header.EntryPoint(base)
	if err != nil {
		return nil, hv.EncodingError(hv.ErrMalformedImage, "place kernel", uint64(base), imageLoadAlignment).WithDetail("%v", err)
	}
	size := k.LoadSize()
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
