package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

var testRegion = layout.Region{Name: "acpi", Base: 0xE0000, Size: 0x20000, Purpose: layout.PurposeFirmwareTables}

func TestInstallProducesTables(t *testing.T) {
	mem := newFakeMemory(0, 2<<20)

	set, err := Install(mem, Config{
		Region:  testRegion,
		NumCPUs: 2,
		HPET:    &HPETConfig{Address: 0xFED00000},
	})
	if err != nil {
		t.Fatalf("install ACPI: %v", err)
	}
	if set.Root != testRegion.Base {
		t.Fatalf("root = %s, want region base", set.Root)
	}

	tables := parseTables(t, mem.mem, testRegion)
	for _, sig := range []string{"DSDT", "APIC", "FACP", "XSDT", "HPET"} {
		if _, ok := tables[sig]; !ok {
			t.Fatalf("missing %s table", sig)
		}
	}

	rsdp := mem.mem[set.Root : set.Root+36]
	if string(rsdp[:8]) != "RSD PTR " {
		t.Fatalf("bad RSDP signature: %q", rsdp[:8])
	}
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32])
	if xsdtAddr != tables["XSDT"] {
		t.Fatalf("xsdt pointer mismatch: got 0x%x want 0x%x", xsdtAddr, tables["XSDT"])
	}

	entries := parseXSDTEntries(readTableBytes(t, mem.mem, tables["XSDT"]))
	want := []uint64{tables["FACP"], tables["APIC"], tables["HPET"]}
	if fmt.Sprint(entries) != fmt.Sprint(want) {
		t.Fatalf("xsdt entries = %#x, want %#x", entries, want)
	}

	fadt := readTableBytes(t, mem.mem, tables["FACP"])
	if len(fadt) != fadtSize || fadt[8] != 6 {
		t.Fatalf("FADT length %d revision %d", len(fadt), fadt[8])
	}
	if got := binary.LittleEndian.Uint64(fadt[140:]); got != tables["DSDT"] {
		t.Fatalf("X_DSDT = %#x, want %#x", got, tables["DSDT"])
	}
	if flags := binary.LittleEndian.Uint32(fadt[112:]); flags&fadtFlagHWReduced == 0 {
		t.Fatalf("FADT flags %#x missing HW_REDUCED_ACPI", flags)
	}
	if port := binary.LittleEndian.Uint64(fadt[120:]); port != resetPort || fadt[128] != resetValue {
		t.Fatalf("reset register %#x value %#x", port, fadt[128])
	}

	madt := readTableBytes(t, mem.mem, tables["APIC"])
	if n := bytes.Count(madt[44:], []byte{0, 8}); n < 2 {
		t.Fatalf("MADT has %d local APIC entries", n)
	}
}

func TestInstallWithoutHPET(t *testing.T) {
	mem := newFakeMemory(0, 2<<20)

	if _, err := Install(mem, Config{Region: testRegion}); err != nil {
		t.Fatalf("install ACPI: %v", err)
	}

	tables := parseTables(t, mem.mem, testRegion)
	if _, ok := tables["HPET"]; ok {
		t.Fatalf("unexpected HPET table present")
	}

	entries := parseXSDTEntries(readTableBytes(t, mem.mem, tables["XSDT"]))
	want := []uint64{tables["FACP"], tables["APIC"]}
	if fmt.Sprint(entries) != fmt.Sprint(want) {
		t.Fatalf("xsdt entries = %#x, want %#x", entries, want)
	}
}

func TestBuildWithPCI(t *testing.T) {
	set, err := Build(Config{
		Region: testRegion,
		PCI:    &PCIConfig{ECAMBase: 0xE0000000, EndBus: 0xff, MMIOBase: 0xC0000000, MMIOSize: 0x10000000},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mcfg, ok := set.Lookup("MCFG")
	if !ok {
		t.Fatalf("MCFG missing")
	}
	if got := binary.LittleEndian.Uint64(mcfg.Data[44:]); got != 0xE0000000 {
		t.Fatalf("ECAM base = %#x", got)
	}
	if mcfg.Data[55] != 0xff {
		t.Fatalf("end bus = %#x", mcfg.Data[55])
	}

	xsdt, _ := set.Lookup("XSDT")
	entries := parseXSDTEntries(xsdt.Data)
	if last := entries[len(entries)-1]; last != uint64(mcfg.Address) {
		t.Fatalf("MCFG not referenced from XSDT: %#x", entries)
	}

	dsdt, _ := set.Lookup("DSDT")
	if !bytes.Contains(dsdt.Data, []byte("PCI0")) || !bytes.Contains(dsdt.Data, []byte("PNP0A08")) {
		t.Fatalf("DSDT lacks the host bridge")
	}
}

func TestPowerEvents(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		set, err := Build(Config{Region: testRegion, PowerEvents: enabled})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		dsdt, _ := set.Lookup("DSDT")
		if got := bytes.Contains(dsdt.Data, []byte("_S5_")); got != enabled {
			t.Fatalf("PowerEvents=%v: \\_S5 present = %v", enabled, got)
		}
		fadt, _ := set.Lookup("FACP")
		port := binary.LittleEndian.Uint64(fadt.Data[248:])
		if (port == sleepPort) != enabled {
			t.Fatalf("PowerEvents=%v: sleep control port %#x", enabled, port)
		}
	}
}

func TestVirtioDevicesInDSDT(t *testing.T) {
	set, err := Build(Config{
		Region: testRegion,
		VirtioDevices: []VirtioMMIODevice{
			{BaseAddr: 0xD0000000, Size: 0x200, GSI: 5},
			{Name: "NET0", BaseAddr: 0xD0000200, Size: 0x200, GSI: 6},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dsdt, _ := set.Lookup("DSDT")
	for _, want := range []string{"V000", "NET0", "LNRO0005"} {
		if !bytes.Contains(dsdt.Data, []byte(want)) {
			t.Fatalf("DSDT lacks %q", want)
		}
	}
	base := binary.LittleEndian.AppendUint32(nil, 0xD0000200)
	if !bytes.Contains(dsdt.Data, base) {
		t.Fatalf("DSDT lacks second window base")
	}

	_, err = Build(Config{Region: testRegion, VirtioDevices: []VirtioMMIODevice{{Name: "TOOLONG"}}})
	if !errors.Is(err, hv.ErrInvalidTopology) {
		t.Fatalf("long name: err = %v", err)
	}
}

func TestBuildOverflow(t *testing.T) {
	region := testRegion
	region.Size = 0x100
	_, err := Build(Config{Region: region, NumCPUs: 4})
	if !errors.Is(err, hv.ErrTableOverflow) {
		t.Fatalf("err = %v, want ErrTableOverflow", err)
	}
	var e *hv.Error
	if !errors.As(err, &e) || e.Limit != 0x100 || e.Value <= 0x100 {
		t.Fatalf("error = %+v", e)
	}
}

func TestBuildDeterministic(t *testing.T) {
	cfg := Config{Region: testRegion, NumCPUs: 3, HPET: &HPETConfig{Address: 0xFED00000}}
	a, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(a.AppendBinary(nil), b.AppendBinary(nil)) {
		t.Fatalf("table sets differ")
	}
}

func TestPkgLength(t *testing.T) {
	tests := []struct {
		body int
		want []byte
	}{
		{0, []byte{0x01}},
		{0x3e, []byte{0x3f}},
		{0x3f, []byte{0x41, 0x04}},
		{0xffd, []byte{0x4f, 0xff}},
		{0xffe, []byte{0x81, 0x00, 0x01}},
	}
	for _, tt := range tests {
		if got := pkgLength(tt.body); !bytes.Equal(got, tt.want) {
			t.Fatalf("pkgLength(%#x) = % x, want % x", tt.body, got, tt.want)
		}
	}
}

func parseTables(t *testing.T, mem []byte, region layout.Region) map[string]uint64 {
	t.Helper()
	tables := make(map[string]uint64)
	start := int(region.Base)
	end := int(region.End())
	// The RSDP leads the region and has no SDT header.
	for pos := align(start+36, tableAlign); pos+36 <= end; {
		sig := string(mem[pos : pos+4])
		if sig == "\x00\x00\x00\x00" {
			break
		}
		length := int(binary.LittleEndian.Uint32(mem[pos+4 : pos+8]))
		if pos+length > end {
			t.Fatalf("table %s overruns region", sig)
		}
		if sum(mem[pos:pos+length]) != 0 {
			t.Fatalf("table %s checksum mismatch", sig)
		}
		tables[sig] = uint64(pos)
		pos = align(pos+length, tableAlign)
	}
	return tables
}

func sum(b []byte) byte {
	var total byte
	for _, v := range b {
		total += v
	}
	return total
}

func align(n, a int) int {
	if r := n % a; r != 0 {
		return n + (a - r)
	}
	return n
}

func readTableBytes(t *testing.T, mem []byte, phys uint64) []byte {
	t.Helper()
	length := int(binary.LittleEndian.Uint32(mem[phys+4 : phys+8]))
	return mem[phys : phys+uint64(length)]
}

func parseXSDTEntries(xsdt []byte) []uint64 {
	body := xsdt[36:]
	entries := make([]uint64, 0, len(body)/8)
	for len(body) >= 8 {
		entries = append(entries, binary.LittleEndian.Uint64(body[:8]))
		body = body[8:]
	}
	return entries
}

type fakeMemory struct {
	mem  []byte
	base uint64
}

func newFakeMemory(base uint64, size int) *fakeMemory {
	return &fakeMemory{mem: make([]byte, size), base: base}
}

func (f *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	idx, err := f.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, f.mem[idx:]), nil
}

func (f *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	idx, err := f.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(f.mem[idx:], p), nil
}

func (f *fakeMemory) translate(off int64, n int) (int, error) {
	idx := int(off - int64(f.base))
	if idx < 0 || idx+n > len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return idx, nil
}
