package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
)

func sampleTree() Node {
	root := NewNode("")
	root.Set("compatible", String("linux,dummy-virt")).
		Set("#address-cells", U32(2)).
		Set("#size-cells", U32(2))

	chosen := NewNode("chosen")
	chosen.Set("bootargs", String("console=ttyS0"))

	mem := NewNode("memory@80000000")
	mem.Set("device_type", String("memory")).Set("reg", U64(0x8000_0000, 0x2000_0000))

	cpus := NewNode("cpus")
	cpu := NewNode("cpu@0")
	cpu.Set("reg", U32(0)).Set("always-on", Flag())
	cpus.Add(cpu)

	root.Add(chosen, mem, cpus)
	return root
}

func TestBuildHeader(t *testing.T) {
	blob, err := Build(sampleTree())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	be := binary.BigEndian
	if got := be.Uint32(blob[0:]); got != magic {
		t.Fatalf("magic = %#x", got)
	}
	if got := be.Uint32(blob[4:]); int(got) != len(blob) {
		t.Fatalf("totalsize = %d, len = %d", got, len(blob))
	}
	if got := be.Uint32(blob[20:]); got != 17 {
		t.Fatalf("version = %d", got)
	}
	offStruct := be.Uint32(blob[8:])
	if offStruct%4 != 0 {
		t.Fatalf("structure block misaligned at %#x", offStruct)
	}
	// Empty reservation map terminator.
	offRsv := be.Uint32(blob[16:])
	if !bytes.Equal(blob[offRsv:offRsv+16], make([]byte, 16)) {
		t.Fatalf("reservation map is not terminated")
	}
}

func TestBuildDeduplicatesStrings(t *testing.T) {
	blob, err := Build(sampleTree())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	be := binary.BigEndian
	off := be.Uint32(blob[12:])
	size := be.Uint32(blob[32:])
	table := blob[off : off+size]
	if n := bytes.Count(table, []byte("reg\x00")); n != 1 {
		t.Fatalf("\"reg\" stored %d times in strings block", n)
	}
}

func TestParseRoundTrip(t *testing.T) {
	reserve := []Reservation{{Address: 0x8000_0000, Size: 0x20_0000}}
	blob, err := BuildLimit(sampleTree(), reserve, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root, gotReserve, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(gotReserve) != 1 || gotReserve[0] != reserve[0] {
		t.Fatalf("reservations = %+v", gotReserve)
	}

	mem, ok := root.Lookup("/memory@80000000")
	if !ok {
		t.Fatalf("memory node missing")
	}
	cells, ok := mem.Properties["reg"].AsU32()
	if !ok || len(cells) != 4 || cells[1] != 0x8000_0000 || cells[3] != 0x2000_0000 {
		t.Fatalf("reg = %v", cells)
	}
	s, ok := mem.Properties["device_type"].AsStrings()
	if !ok || s[0] != "memory" {
		t.Fatalf("device_type = %v", s)
	}
	cpu, ok := root.Lookup("cpus/cpu@0")
	if !ok || !cpu.Properties["always-on"].Flag {
		t.Fatalf("cpu@0 = %+v, %v", cpu, ok)
	}

	// A parsed tree re-encodes to the same bytes.
	again, err := BuildLimit(root, gotReserve, 0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !bytes.Equal(blob, again) {
		t.Fatalf("rebuilt blob differs")
	}
}

func TestBuildLimit(t *testing.T) {
	blob, err := Build(sampleTree())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := BuildLimit(sampleTree(), nil, len(blob)); err != nil {
		t.Fatalf("exact fit rejected: %v", err)
	}
	_, err = BuildLimit(sampleTree(), nil, len(blob)-1)
	if !errors.Is(err, hv.ErrTableOverflow) {
		t.Fatalf("err = %v, want ErrTableOverflow", err)
	}
	var e *hv.Error
	if !errors.As(err, &e) || e.Value != uint64(len(blob)) {
		t.Fatalf("error value = %+v", e)
	}
}

func TestPropertyValidation(t *testing.T) {
	n := NewNode("bad")
	n.Set("mixed", Property{U32: []uint32{1}, Strings: []string{"x"}})
	if _, err := Build(n); err == nil {
		t.Fatalf("mixed property accepted")
	}
	n = NewNode("bad")
	n.Set("empty", Property{})
	if _, err := Build(n); err == nil {
		t.Fatalf("empty property accepted")
	}
}

func TestParseRejectsCorruptBlob(t *testing.T) {
	blob, err := Build(sampleTree())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bad := append([]byte(nil), blob...)
	bad[0] = 0
	if _, _, err := Parse(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad magic: %v", err)
	}
	if _, _, err := Parse(blob[:len(blob)-8]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated: %v", err)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		p    Property
		want string
	}{
		{String("a", "b"), `"a", "b"`},
		{U32(1, 0x10), "<0x1 0x10>"},
		{Bytes([]byte{1, 2, 3}), "[01 02 03]"},
		{Flag(), ""},
	}
	for _, tt := range tests {
		if got := tt.p.Format(); got != tt.want {
			t.Fatalf("Format(%+v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}
