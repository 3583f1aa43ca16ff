package amd64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

// Guest physical addresses of the boot structures.
const (
	gdtAddr        = 0x1000
	idtAddr        = 0x1800
	zeroPageAddr   = 0x7000
	stackAddr      = 0x8000
	stackTop       = 0x8ff0
	pml4Addr       = 0x9000
	pdptAddr       = 0xa000
	pdAddr         = 0xb000
	pageTablesEnd  = 0xf000
	cmdlineAddr    = 0x20000
	cmdlineRegion  = 0x1000
	ebdaAddr       = 0x9f000
	legacyVGAStart = 0xa0000
	acpiStart      = 0xe0000
	acpiEnd        = 0x100000

	holeStart = 0xc0000000
	holeEnd   = 1 << 32

	pciMMIOBase = 0xc0000000
	pciMMIOSize = 0x10000000
	virtioBase  = 0xd0000000
	virtioSize  = 0x10000000
	ecamBase    = 0xe0000000
	ecamSize    = 0x10000000
	chipsetBase = 0xfec00000

	ioapicAddr = 0xfec00000
	hpetAddr   = 0xfed00000
	lapicAddr  = 0xfee00000

	minMemory = 32 << 20
	maxMemory = 1 << 40
	maxVcpus  = 255
)

// Region names used by the encoder and table builder.
const (
	regionACPI   = "acpi"
	regionECAM   = "pci-ecam"
	regionHPET   = "hpet"
	windowPCI    = "pci-mmio"
	windowVirtio = "virtio"
)

// Constraints describes the x86_64 address map: legacy low memory below
// 1 MiB, the 32-bit MMIO hole [3 GiB, 4 GiB) and RAM relocated above it.
func Constraints() *layout.Constraints {
	return &layout.Constraints{
		Arch:      hv.ArchitectureX86_64,
		MinMemory: minMemory,
		MaxMemory: maxMemory,
		MaxVcpus:  maxVcpus,
		RAMBase:   0,
		HoleStart: holeStart,
		HoleEnd:   holeEnd,
		Windows: []layout.Window{
			{Name: windowPCI, Base: pciMMIOBase, Size: pciMMIOSize},
			{Name: windowVirtio, Base: virtioBase, Size: virtioSize},
			{Name: regionECAM, Base: ecamBase, Size: ecamSize},
			{Name: "chipset", Base: chipsetBase, Size: holeEnd - chipsetBase},
		},
		DeviceWindow:          windowVirtio,
		DefaultDeviceMMIOSize: 0x1000,
		DeviceAlign:           0x1000,
		// IOAPIC pins 0-4 are legacy ISA, 8 is the RTC and 9 the SCI.
		IRQBase:     5,
		IRQLimit:    24,
		IRQReserved: []uint32{8, 9},
		Fixed:       fixedRegions,
	}
}

func fixedRegions(req layout.Request, _ []layout.Span) []layout.Region {
	regions := []layout.Region{
		{Name: "ivt-bda", Base: 0, Size: 0x1000, Purpose: layout.PurposeReserved},
		{Name: "gdt", Base: gdtAddr, Size: 0x1000, Purpose: layout.PurposeDescriptorTables},
		{Name: "zero-page", Base: zeroPageAddr, Size: zeroPageSize, Purpose: layout.PurposeBootParams},
		{Name: "boot-stack", Base: stackAddr, Size: pml4Addr - stackAddr, Purpose: layout.PurposeStack},
		{Name: "page-tables", Base: pml4Addr, Size: pageTablesEnd - pml4Addr, Purpose: layout.PurposePageTables},
		{Name: "cmdline", Base: cmdlineAddr, Size: cmdlineRegion, Purpose: layout.PurposeCommandLine},
		{Name: "ebda", Base: ebdaAddr, Size: legacyVGAStart - ebdaAddr, Purpose: layout.PurposeReserved},
		{Name: "vga-rom", Base: legacyVGAStart, Size: acpiStart - legacyVGAStart, Purpose: layout.PurposeReserved},
		{Name: regionACPI, Base: acpiStart, Size: acpiEnd - acpiStart, Purpose: layout.PurposeFirmwareTables},
		{Name: "ioapic", Base: ioapicAddr, Size: 0x1000, Purpose: layout.PurposeMMIO},
		{Name: regionHPET, Base: hpetAddr, Size: 0x1000, Purpose: layout.PurposeMMIO},
		{Name: "lapic", Base: lapicAddr, Size: 0x1000, Purpose: layout.PurposeMMIO},
	}
	if layout.HasPCI(req.Devices) {
		regions = append(regions, layout.Region{Name: regionECAM, Base: ecamBase, Size: ecamSize, Purpose: layout.PurposeMMIO})
	}
	return regions
}
