package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

var ErrBadTable = errors.New("firmware table failed verification")

type TableKind uint8

const (
	TableACPI TableKind = iota + 1
	TableRSDP
	TableFDT
)

func (k TableKind) String() string {
	switch k {
	case TableACPI:
		return "acpi"
	case TableRSDP:
		return "rsdp"
	case TableFDT:
		return "fdt"
	default:
		return "invalid"
	}
}

const (
	sdtHeaderSize = 36
	rsdpV1Size    = 20
	rsdpV2Size    = 36
	fdtMagic      = 0xd00dfeed
	fdtHeaderSize = 40
)

// FirmwareTable is one serialized table together with its guest address.
type FirmwareTable struct {
	Name     string
	Revision uint8
	Kind     TableKind
	Address  hv.GuestAddress
	Data     []byte
}

func (t FirmwareTable) End() hv.GuestAddress { return t.Address.Add(uint64(len(t.Data))) }

func (t FirmwareTable) String() string {
	return fmt.Sprintf("%-4s rev %d %-4s at %s (%d bytes)", t.Name, t.Revision, t.Kind, t.Address, len(t.Data))
}

func (t FirmwareTable) fail(format string, args ...any) error {
	return fmt.Errorf("%s %s: %w: %s", t.Kind, t.Name, ErrBadTable, fmt.Sprintf(format, args...))
}

// Verify checks the length and checksum fields against the table bytes.
func (t FirmwareTable) Verify() error {
	switch t.Kind {
	case TableACPI:
		if len(t.Data) < sdtHeaderSize {
			return t.fail("short header (%d bytes)", len(t.Data))
		}
		if sig := string(t.Data[0:4]); sig != t.Name {
			return t.fail("signature %q", sig)
		}
		if n := binary.LittleEndian.Uint32(t.Data[4:8]); int(n) != len(t.Data) {
			return t.fail("length field %d, have %d bytes", n, len(t.Data))
		}
		if t.Data[8] != t.Revision {
			return t.fail("revision field %d, want %d", t.Data[8], t.Revision)
		}
		if sum := Checksum(t.Data); sum != 0 {
			return t.fail("checksum residue %#x", sum)
		}
	case TableRSDP:
		if len(t.Data) < rsdpV2Size {
			return t.fail("short structure (%d bytes)", len(t.Data))
		}
		if sig := string(t.Data[0:8]); sig != "RSD PTR " {
			return t.fail("signature %q", sig)
		}
		if sum := Checksum(t.Data[:rsdpV1Size]); sum != 0 {
			return t.fail("v1 checksum residue %#x", sum)
		}
		if n := binary.LittleEndian.Uint32(t.Data[20:24]); int(n) != len(t.Data) {
			return t.fail("length field %d, have %d bytes", n, len(t.Data))
		}
		if sum := Checksum(t.Data); sum != 0 {
			return t.fail("extended checksum residue %#x", sum)
		}
	case TableFDT:
		if len(t.Data) < fdtHeaderSize {
			return t.fail("short header (%d bytes)", len(t.Data))
		}
		if m := binary.BigEndian.Uint32(t.Data[0:4]); m != fdtMagic {
			return t.fail("magic %#x", m)
		}
		if n := binary.BigEndian.Uint32(t.Data[4:8]); int(n) != len(t.Data) {
			return t.fail("totalsize %d, have %d bytes", n, len(t.Data))
		}
		if v := binary.BigEndian.Uint32(t.Data[20:24]); v != uint32(t.Revision) {
			return t.fail("version %d, want %d", v, t.Revision)
		}
	default:
		return t.fail("unknown kind")
	}
	return nil
}

// Checksum returns the byte that, added to the sum of b, gives zero. For a
// table whose checksum field is already filled it returns zero.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

// TableSet is the complete firmware description of one VM.
type TableSet struct {
	// Root is the address handed to the guest: the RSDP on x86_64 and the
	// DTB on aarch64 and riscv64.
	Root   hv.GuestAddress
	Region layout.Region
	Tables []FirmwareTable
}

func (s *TableSet) Lookup(name string) (FirmwareTable, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return FirmwareTable{}, false
}

// Verify checks every table and that all of them lie inside the region
// without overlapping.
func (s *TableSet) Verify() error {
	var prev hv.GuestAddress
	for i, t := range s.Tables {
		if err := t.Verify(); err != nil {
			return err
		}
		if !s.Region.Contains(t.Address, uint64(len(t.Data))) {
			return t.fail("outside table region %s", s.Region)
		}
		if i > 0 && t.Address < prev {
			return t.fail("overlaps previous table ending at %s", prev)
		}
		prev = t.End()
	}
	return nil
}

// Write copies every table into guest memory.
func (s *TableSet) Write(mem hv.GuestMemory) error {
	for _, t := range s.Tables {
		if err := hv.WriteGuest(mem, t.Address, t.Data); err != nil {
			return err
		}
	}
	return nil
}

// AppendBinary encodes the table set for fingerprinting.
func (s *TableSet) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(s.Root))
	for _, t := range s.Tables {
		b = append(b, t.Name...)
		b = append(b, 0, byte(t.Kind), t.Revision)
		b = binary.LittleEndian.AppendUint64(b, uint64(t.Address))
		b = binary.LittleEndian.AppendUint64(b, uint64(len(t.Data)))
		b = append(b, t.Data...)
	}
	return b
}
