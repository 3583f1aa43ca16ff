package acpi

import (
	"github.com/tinyrange/vmboot/internal/layout"
)

// Config controls how ACPI tables are laid out and populated. All addresses
// are guest physical addresses.
type Config struct {
	// Region receives every table. The RSDP is placed at its base.
	Region layout.Region

	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	HPET *HPETConfig
	PCI  *PCIConfig

	// VirtioDevices describes virtio-mmio devices to add to the DSDT.
	VirtioDevices []VirtioMMIODevice

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA IRQs.
	// Nil selects DefaultISAOverrides.
	ISAOverrides []InterruptOverride

	// PowerEvents adds the sleep control/status registers and \_S5.
	PowerEvents bool

	OEM OEMInfo
}

// IOAPICConfig describes the IO-APIC entry that will be emitted into MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// VirtioMMIODevice describes a virtio-mmio device for DSDT generation.
type VirtioMMIODevice struct {
	Name     string // 4-char ACPI name; VIOn when empty
	BaseAddr uint64
	Size     uint64
	GSI      uint32
}

// HPETConfig describes the optional HPET ACPI table.
type HPETConfig struct {
	Address uint64
}

// PCIConfig describes the host bridge: one ECAM segment and its memory
// window.
type PCIConfig struct {
	ECAMBase uint64
	Segment  uint16
	StartBus uint8
	EndBus   uint8

	MMIOBase uint64
	MMIOSize uint64
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8  // typically 0 (ISA)
	IRQ   uint8  // source IRQ
	GSI   uint32 // destination GSI
	Flags uint16 // MPS INTI polarity and trigger bits
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'V', 'M', 'B', 'O', 'O', 'T'},
		OEMTableID:      [8]byte{'V', 'M', 'B', 'O', 'O', 'T', 'D', 'F'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'V', 'M', 'B', 'T'},
		CreatorRevision: 1,
	}
}

// DefaultISAOverrides routes the PIT to GSI 2 and marks the SCI level
// triggered, active high.
func DefaultISAOverrides() []InterruptOverride {
	return []InterruptOverride{
		{Bus: 0, IRQ: 0, GSI: 2, Flags: 0},
		{Bus: 0, IRQ: sciIRQ, GSI: sciIRQ, Flags: 0x000D},
	}
}

const (
	defaultLAPICBase  = 0xFEE00000
	defaultIOAPICBase = 0xFEC00000
	sciIRQ            = 9
)

func (c *Config) normalize() {
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = defaultLAPICBase
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = defaultIOAPICBase
	}
	if c.ISAOverrides == nil {
		c.ISAOverrides = DefaultISAOverrides()
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
