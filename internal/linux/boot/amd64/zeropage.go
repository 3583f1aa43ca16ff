package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

func e820Type(p layout.Purpose) (uint32, bool) {
	switch p {
	case layout.PurposeRAM, layout.PurposeDescriptorTables, layout.PurposeBootParams,
		layout.PurposeStack, layout.PurposePageTables, layout.PurposeCommandLine:
		return e820RAM, true
	case layout.PurposeReserved, layout.PurposeFirmware, layout.PurposeFirmwareTables, layout.PurposeMMIO:
		return e820Reserved, true
	default:
		return 0, false
	}
}

// E820Map derives the firmware memory map from the layout. Boot structures
// are reported as RAM since the kernel copies what it needs before reusing
// them. Adjacent entries of the same type are merged.
func E820Map(l *layout.Layout) []E820Entry {
	var out []E820Entry
	for _, r := range l.Regions() {
		typ, ok := e820Type(r.Purpose)
		if !ok {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Type == typ && out[n-1].Addr+out[n-1].Size == uint64(r.Base) {
			out[n-1].Size += r.Size
			continue
		}
		out = append(out, E820Entry{Addr: uint64(r.Base), Size: r.Size, Type: typ})
	}
	return out
}

// buildZeroPage populates struct boot_params according to the Linux x86_64
// boot protocol.
func buildZeroPage(k *Kernel, info *machine.BootInfo, rsdp hv.GuestAddress, e820 []E820Entry) ([]byte, error) {
	zp := make([]byte, zeroPageSize)
	le := binary.LittleEndian

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return nil, hv.EncodingError(hv.ErrMalformedImage, "build zero page", uint64(len(k.HeaderBytes)), zeroPageSize-setupHeaderOffset).
			WithDetail("setup header larger than the zero page")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	le.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], headerMagic)
	le.PutUint16(zp[protocolVersionOffset:], k.Header.ProtocolVersion)
	le.PutUint32(zp[kernelAlignmentOffset:], k.Header.KernelAlignment)
	zp[relocatableKernelOffset] = k.Header.RelocatableKernel
	zp[minAlignmentOffset] = k.Header.MinAlignment
	le.PutUint16(zp[xloadflagsOffset:], k.Header.XLoadFlags)
	le.PutUint32(zp[cmdlineSizeOffset:], k.Header.CmdlineSize)
	le.PutUint32(zp[initrdAddrMaxOffset:], k.Header.InitrdAddrMax)
	le.PutUint64(zp[prefAddressOffset:], k.Header.PrefAddress)
	le.PutUint32(zp[initSizeOffset:], k.Header.InitSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown
	loadFlags := k.Header.LoadFlags | loadFlagCanUseHeap
	zp[loadFlagsOffset] = loadFlags

	heapEnd := uint16(0x9800)
	if loadFlags&loadFlagLoadedHigh != 0 {
		heapEnd = 0xe000
	}
	le.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if info.Kernel.End() > holeEnd {
		return nil, hv.EncodingError(hv.ErrImageTooLarge, "build zero page", uint64(info.Kernel.Base), holeEnd).
			WithDetail("code32_start is 32 bits")
	}
	le.PutUint32(zp[code32StartOffset:], uint32(info.Kernel.Base))

	cmdline := uint64(info.Cmdline.Base)
	le.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdline))
	le.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdline>>32))

	if !info.Initrd.Empty() {
		base, size := uint64(info.Initrd.Base), info.Initrd.Size
		le.PutUint32(zp[ramdiskImageOffset:], uint32(base))
		le.PutUint32(zp[ramdiskSizeOffset:], uint32(size))
		le.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(base>>32))
		le.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(size>>32))
	}

	if k.HasRSDPField() && rsdp != 0 {
		le.PutUint64(zp[zeroPageAcpiRsdpAddr:], uint64(rsdp))
	}

	if len(e820) == 0 {
		return nil, hv.EncodingError(hv.ErrInvalidTopology, "build zero page", 0, e820MaxEntries).
			WithDetail("e820 map is empty")
	}
	if len(e820) > e820MaxEntries {
		return nil, hv.EncodingError(hv.ErrTableOverflow, "build zero page", uint64(len(e820)), e820MaxEntries).
			WithDetail("too many e820 entries")
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		le.PutUint64(zp[base:], ent.Addr)
		le.PutUint64(zp[base+8:], ent.Size)
		le.PutUint32(zp[base+16:], ent.Type)
	}
	return zp, nil
}

func writeCmdline(mem hv.GuestMemory, info *machine.BootInfo, cmdline string) error {
	if len(cmdline) != info.CmdlineLen {
		return fmt.Errorf("command line changed after placement (%d != %d bytes)", len(cmdline), info.CmdlineLen)
	}
	return hv.WriteGuest(mem, info.Cmdline.Base, append([]byte(cmdline), 0))
}
