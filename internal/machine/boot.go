package machine

import (
	"fmt"
	"strings"

	"github.com/tinyrange/vmboot/internal/hv"
)

// Protocol identifies how the kernel image was recognised and is entered.
type Protocol uint8

const (
	ProtocolInvalid Protocol = iota
	// ProtocolBzImage is the x86 Linux boot protocol (HdrS setup header).
	ProtocolBzImage
	// ProtocolELF is an uncompressed vmlinux entered at its ELF entry point.
	ProtocolELF
	// ProtocolImage is the arm64/riscv64 Linux Image header format.
	ProtocolImage
	// ProtocolFlat is a raw binary without a recognised header, loaded at the
	// architecture's legacy offset and entered at its first byte.
	ProtocolFlat
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBzImage:
		return "bzImage"
	case ProtocolELF:
		return "elf"
	case ProtocolImage:
		return "image"
	case ProtocolFlat:
		return "flat"
	default:
		return "invalid"
	}
}

// Extent is a span of guest memory holding one boot artefact.
type Extent struct {
	Base hv.GuestAddress
	Size uint64
}

func (e Extent) End() hv.GuestAddress { return e.Base.Add(e.Size) }
func (e Extent) Empty() bool          { return e.Size == 0 }

func (e Extent) String() string {
	if e.Empty() {
		return "-"
	}
	return fmt.Sprintf("[%s, %s)", e.Base, e.End())
}

// Segment is a piece of the boot payload that EncodeBoot copies into guest
// memory. Bytes between len(Data) and MemSize are zero filled.
type Segment struct {
	Name    string
	Addr    hv.GuestAddress
	Data    []byte
	MemSize uint64
}

func (s Segment) Size() uint64 { return max(uint64(len(s.Data)), s.MemSize) }

// BootInfo records where every boot artefact lives. PlaceBoot computes it
// without touching guest memory; after EncodeBoot it is treated as read-only.
type BootInfo struct {
	Protocol Protocol
	// Version is the boot protocol revision reported by the image, in semver
	// form ("v2.15"), when the protocol carries one.
	Version    string
	Compressed bool

	Entry  hv.GuestAddress
	Kernel Extent
	Initrd Extent
	// Cmdline includes the terminating NUL.
	Cmdline    Extent
	CmdlineLen int

	TableRoot  hv.GuestAddress
	Tables     Extent
	BootParams hv.GuestAddress
	StackTop   hv.GuestAddress

	PageTableRoot hv.GuestAddress
	GDT           Extent
	IDT           Extent

	Segments []Segment
}

func (b *BootInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "protocol=%s", b.Protocol)
	if b.Version != "" {
		fmt.Fprintf(&sb, " version=%s", b.Version)
	}
	if b.Compressed {
		sb.WriteString(" compressed")
	}
	fmt.Fprintf(&sb, " entry=%s kernel=%s initrd=%s cmdline=%s root=%s",
		b.Entry, b.Kernel, b.Initrd, b.Cmdline, b.TableRoot)
	return sb.String()
}

// AppendBinary encodes the fields that influence guest state.
func (b *BootInfo) AppendBinary(out []byte) []byte {
	h := hv.NewStateHasher(hv.ArchitectureInvalid)
	h.Uint64("protocol", uint64(b.Protocol))
	h.Section("version", []byte(b.Version))
	h.Uint64("entry", uint64(b.Entry))
	for _, e := range []Extent{b.Kernel, b.Initrd, b.Cmdline, b.Tables, b.GDT, b.IDT} {
		h.Uint64("base", uint64(e.Base))
		h.Uint64("size", e.Size)
	}
	h.Uint64("root", uint64(b.TableRoot))
	h.Uint64("bootparams", uint64(b.BootParams))
	h.Uint64("stack", uint64(b.StackTop))
	h.Uint64("pagetables", uint64(b.PageTableRoot))
	sum := h.Sum()
	return append(out, sum[:]...)
}

// zeroChunk bounds the scratch buffer used to clear segment tails.
const zeroChunk = 64 << 10

// WriteSegments copies every segment into guest memory and zero fills the
// bytes between its data and MemSize.
func WriteSegments(mem hv.GuestMemory, segs []Segment) error {
	for _, s := range segs {
		if len(s.Data) > 0 {
			if err := hv.WriteGuest(mem, s.Addr, s.Data); err != nil {
				return fmt.Errorf("write %s: %w", s.Name, err)
			}
		}
		if s.MemSize <= uint64(len(s.Data)) {
			continue
		}
		zero := make([]byte, min(s.MemSize-uint64(len(s.Data)), zeroChunk))
		for off := uint64(len(s.Data)); off < s.MemSize; {
			n := min(uint64(len(zero)), s.MemSize-off)
			if err := hv.WriteGuest(mem, s.Addr.Add(off), zero[:n]); err != nil {
				return fmt.Errorf("clear %s: %w", s.Name, err)
			}
			off += n
		}
	}
	return nil
}
