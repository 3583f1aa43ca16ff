package machine

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

func testSDT(sig string, rev uint8, body int) []byte {
	b := make([]byte, sdtHeaderSize+body)
	copy(b, sig)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(b)))
	b[8] = rev
	b[9] = Checksum(b)
	return b
}

func TestVerifyACPI(t *testing.T) {
	tbl := FirmwareTable{Name: "APIC", Revision: 5, Kind: TableACPI, Address: 0xE0100, Data: testSDT("APIC", 5, 12)}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	corrupt := append([]byte(nil), tbl.Data...)
	corrupt[40]++
	bad := tbl
	bad.Data = corrupt
	if err := bad.Verify(); !errors.Is(err, ErrBadTable) {
		t.Fatalf("corrupt table: err = %v", err)
	}

	short := tbl
	short.Data = tbl.Data[:40]
	if err := short.Verify(); !errors.Is(err, ErrBadTable) {
		t.Fatalf("truncated table: err = %v", err)
	}
}

func TestVerifyRSDP(t *testing.T) {
	b := make([]byte, rsdpV2Size)
	copy(b, "RSD PTR ")
	copy(b[9:], "VMBOOT")
	b[15] = 2
	binary.LittleEndian.PutUint32(b[20:], rsdpV2Size)
	binary.LittleEndian.PutUint64(b[24:], 0xE0040)
	b[8] = Checksum(b[:rsdpV1Size])
	b[32] = Checksum(b)

	tbl := FirmwareTable{Name: "RSDP", Revision: 2, Kind: TableRSDP, Address: 0xE0000, Data: b}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	b[8]++
	if err := tbl.Verify(); !errors.Is(err, ErrBadTable) {
		t.Fatalf("bad v1 checksum accepted: %v", err)
	}
}

func TestVerifyFDTHeader(t *testing.T) {
	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b[0:], fdtMagic)
	binary.BigEndian.PutUint32(b[4:], 64)
	binary.BigEndian.PutUint32(b[20:], 17)
	tbl := FirmwareTable{Name: "FDT", Revision: 17, Kind: TableFDT, Data: b}
	if err := tbl.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	binary.BigEndian.PutUint32(b[4:], 65)
	if err := tbl.Verify(); !errors.Is(err, ErrBadTable) {
		t.Fatalf("bad totalsize accepted: %v", err)
	}
}

func TestTableSetVerifyRegion(t *testing.T) {
	region := layout.Region{Name: "acpi", Base: 0xE0000, Size: 0x1000, Purpose: layout.PurposeFirmwareTables}
	a := FirmwareTable{Name: "DSDT", Revision: 2, Kind: TableACPI, Address: 0xE0000, Data: testSDT("DSDT", 2, 4)}
	b := FirmwareTable{Name: "FACP", Revision: 6, Kind: TableACPI, Address: 0xE0040, Data: testSDT("FACP", 6, 0)}

	set := &TableSet{Root: a.Address, Region: region, Tables: []FirmwareTable{a, b}}
	if err := set.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got, ok := set.Lookup("FACP"); !ok || got.Address != 0xE0040 {
		t.Fatalf("Lookup(FACP) = %v, %v", got, ok)
	}

	set.Tables[1].Address = 0xE0020
	if err := set.Verify(); err == nil {
		t.Fatalf("overlapping tables accepted")
	}
	set.Tables[1].Address = 0xE0FF0
	if err := set.Verify(); err == nil {
		t.Fatalf("table past region end accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{Arch: hv.ArchitectureARM64, MemorySize: 64 << 20, VcpuCount: 1, Kernel: []byte{1}}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"arch", func(c *Config) { c.Arch = "mips" }, hv.ErrUnsupportedArchitecture},
		{"vcpus", func(c *Config) { c.VcpuCount = 0 }, hv.ErrUnsupportedVcpuCount},
		{"memory", func(c *Config) { c.MemorySize = 0 }, hv.ErrInsufficientMemory},
		{"kernel", func(c *Config) { c.Kernel = nil }, hv.ErrMalformedImage},
		{"gic", func(c *Config) { c.GIC = 4 }, hv.ErrUnsupported},
		{"device kind", func(c *Config) { c.Devices = []hv.DeviceDescriptor{{Name: "x"}} }, hv.ErrInvalidTopology},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := good
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if class, _ := hv.ClassOf(err); class != hv.ClassConfiguration {
				t.Fatalf("class = %s", class)
			}
		})
	}
}
