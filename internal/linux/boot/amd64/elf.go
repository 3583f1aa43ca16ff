package amd64

import (
	"bytes"
	"debug/elf"
	"math"

	"github.com/tinyrange/vmboot/internal/machine"
)

// elfProtocol is the boot protocol advertised in the synthesized setup
// header for ELF kernels.
const elfProtocol = 0x020b

func parseELF(data []byte) (*Kernel, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, malformed("open elf kernel: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, malformed("unsupported ELF machine %s/%s (want x86_64)", f.Class, f.Machine)
	}

	var (
		segments []elfSegment
		minPhys  uint64 = math.MaxUint64
		maxPhys  uint64
		maxAlign uint64
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, malformed("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Off+prog.Filesz > uint64(len(data)) || prog.Off+prog.Filesz < prog.Off {
			return nil, malformed("ELF segment @%#x extends past end of image", prog.Off)
		}
		if prog.Paddr+prog.Memsz < prog.Paddr {
			return nil, malformed("ELF segment @%#x wraps the address space", prog.Paddr)
		}
		segments = append(segments, elfSegment{
			physAddr: prog.Paddr,
			memSize:  prog.Memsz,
			data:     data[prog.Off : prog.Off+prog.Filesz],
		})
		minPhys = min(minPhys, prog.Paddr)
		maxPhys = max(maxPhys, prog.Paddr+prog.Memsz)
		maxAlign = max(maxAlign, prog.Align)
	}
	if len(segments) == 0 {
		return nil, malformed("ELF kernel has no loadable segments")
	}
	if minPhys == 0 {
		// Linux kernels are linked away from zero.
		return nil, malformed("ELF kernel min physical address is zero")
	}
	if span := maxPhys - minPhys; span > math.MaxUint32 {
		return nil, malformed("ELF kernel span %#x exceeds 4GiB", span)
	}
	if f.Entry < minPhys || f.Entry >= maxPhys {
		return nil, malformed("ELF entry %#x outside loaded span [%#x, %#x)", f.Entry, minPhys, maxPhys)
	}

	align := maxAlign
	if align == 0 || align > math.MaxUint32 {
		align = defaultAlignment
	}
	hdr := SetupHeader{
		ProtocolVersion: elfProtocol,
		LoadFlags:       loadFlagLoadedHigh,
		InitrdAddrMax:   defaultInitrdMax,
		KernelAlignment: uint32(align),
		XLoadFlags:      xlfKernel64,
		CmdlineSize:     defaultCmdlineMax,
		PrefAddress:     minPhys,
		InitSize:        uint32(maxPhys - minPhys),
	}
	if f.Type == elf.ET_DYN {
		hdr.RelocatableKernel = 1
	}

	return &Kernel{
		Protocol: machine.ProtocolELF,
		Version:  protocolVersion(elfProtocol),
		Header:   hdr,
		segments: segments,
		entry:    f.Entry,
	}, nil
}
