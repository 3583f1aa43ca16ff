package arm64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	gicDistBase   = 0x08000000
	gicDistSize   = 0x10000
	gicCPUBase    = 0x08010000
	gicCPUSize    = 0x10000
	gicRedistBase = 0x080a0000
	gicRedistSize = 0x20000
	gicWindowEnd  = 0x09000000

	uartBase = 0x09000000
	uartSize = 0x1000
	rtcBase  = 0x09010000
	rtcSize  = 0x1000

	platformWindowSize = 0x01000000

	virtioBase = 0x0a000000
	virtioSize = 0x06000000
	virtioSlot = 0x200

	pciMMIOBase = 0x10000000
	pciMMIOSize = 0x2f000000
	pciCAMBase  = 0x3f000000
	pciCAMSize  = 0x01000000

	ramBase = 0x80000000

	dtbRegionSize = 2 << 20
	stackSize     = 0x10000

	minMemory = 32 << 20
	maxMemory = 1 << 40

	gicv2MaxVcpus = 8
	gicv3MaxVcpus = (gicWindowEnd - gicRedistBase) / gicRedistSize

	// SPI numbers of the fixed platform devices.
	uartSPI  = 1
	rtcSPI   = 2
	spiLimit = 64
)

const (
	regionDTB    = "fdt"
	regionStack  = "boot-stack"
	regionCAM    = "pci-cam"
	windowGIC    = "gic"
	windowVirtio = "virtio"
	windowPCI    = "pci-mmio"
)

// ResolveGIC picks the interrupt controller for count vCPUs. GICv2 can only
// target eight CPUs, so larger guests default to GICv3.
func ResolveGIC(v machine.GICVersion, count int) machine.GICVersion {
	if v != machine.GICDefault {
		return v
	}
	if count > gicv2MaxVcpus {
		return machine.GICv3
	}
	return machine.GICv2
}

func maxVcpus(gic machine.GICVersion) int {
	if gic == machine.GICv3 {
		return gicv3MaxVcpus
	}
	return gicv2MaxVcpus
}

// Constraints describes the aarch64 address map for the given interrupt
// controller: devices below 1 GiB and RAM from 2 GiB upwards.
func Constraints(gic machine.GICVersion) *layout.Constraints {
	return &layout.Constraints{
		Arch:      hv.ArchitectureARM64,
		MinMemory: minMemory,
		MaxMemory: maxMemory,
		MaxVcpus:  maxVcpus(gic),
		RAMBase:   ramBase,
		Windows: []layout.Window{
			{Name: windowGIC, Base: gicDistBase, Size: gicWindowEnd - gicDistBase},
			{Name: "platform", Base: uartBase, Size: platformWindowSize},
			{Name: windowVirtio, Base: virtioBase, Size: virtioSize},
			{Name: windowPCI, Base: pciMMIOBase, Size: pciMMIOSize},
			{Name: regionCAM, Base: pciCAMBase, Size: pciCAMSize},
		},
		DeviceWindow:          windowVirtio,
		DefaultDeviceMMIOSize: virtioSlot,
		DeviceAlign:           virtioSlot,
		IRQBase:               1,
		IRQLimit:              spiLimit,
		IRQReserved:           []uint32{uartSPI, rtcSPI},
		Fixed:                 fixedRegions(gic),
	}
}

func fixedRegions(gic machine.GICVersion) func(layout.Request, []layout.Span) []layout.Region {
	return func(req layout.Request, spans []layout.Span) []layout.Region {
		return platformRegions(gic, req, spans)
	}
}

func platformRegions(gic machine.GICVersion, req layout.Request, spans []layout.Span) []layout.Region {
	regions := []layout.Region{
		{Name: "gic-dist", Base: gicDistBase, Size: gicDistSize, Purpose: layout.PurposeMMIO},
	}
	if gic == machine.GICv3 {
		regions = append(regions, layout.Region{
			Name: "gic-redist", Base: gicRedistBase, Size: uint64(req.VcpuCount) * gicRedistSize, Purpose: layout.PurposeMMIO,
		})
	} else {
		regions = append(regions, layout.Region{Name: "gic-cpu", Base: gicCPUBase, Size: gicCPUSize, Purpose: layout.PurposeMMIO})
	}
	regions = append(regions,
		layout.Region{Name: "uart", Base: uartBase, Size: uartSize, Purpose: layout.PurposeMMIO},
		layout.Region{Name: "rtc", Base: rtcBase, Size: rtcSize, Purpose: layout.PurposeMMIO},
	)
	if layout.HasPCI(req.Devices) {
		regions = append(regions, layout.Region{Name: regionCAM, Base: pciCAMBase, Size: pciCAMSize, Purpose: layout.PurposeMMIO})
	}

	top := spans[len(spans)-1].End()
	dtb := (top - dtbRegionSize).AlignDown(dtbRegionSize)
	regions = append(regions,
		layout.Region{Name: regionStack, Base: dtb - stackSize, Size: stackSize, Purpose: layout.PurposeStack},
		layout.Region{Name: regionDTB, Base: dtb, Size: uint64(top - dtb), Purpose: layout.PurposeFirmwareTables, Align: dtbRegionSize},
	)
	return regions
}
