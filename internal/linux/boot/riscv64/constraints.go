// Package riscv64 boots RISC-V 64-bit Linux kernels on a virt-style machine
// behind an SBI firmware reservation.
package riscv64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

const (
	clintBase = 0x02000000
	clintSize = 0xc000
	plicBase  = 0x0c000000
	plicSize  = 0x04000000
	uartBase  = 0x10000000
	uartSize  = 0x1000

	virtioBase = 0x10001000
	virtioSize = 0x000ff000
	virtioSlot = 0x1000

	ramBase = 0x80000000
	sbiSize = 0x200000

	dtbRegionSize = 2 << 20
	stackSize     = 0x10000

	minMemory = 32 << 20
	maxMemory = 512 << 30
	maxHarts  = 512

	// PLIC sources are numbered from 1; riscv,ndev is the highest.
	plicSources = 127
	uartIRQ     = 10
)

const (
	regionSBI    = "sbi"
	regionDTB    = "fdt"
	regionStack  = "boot-stack"
	windowVirtio = "virtio"
)

func Constraints() *layout.Constraints {
	return &layout.Constraints{
		Arch:      hv.ArchitectureRISCV64,
		MinMemory: minMemory,
		MaxMemory: maxMemory,
		MaxVcpus:  maxHarts,
		RAMBase:   ramBase,
		Windows: []layout.Window{
			{Name: "clint", Base: clintBase, Size: 0x10000},
			{Name: "plic", Base: plicBase, Size: plicSize},
			{Name: "uart", Base: uartBase, Size: uartSize},
			{Name: windowVirtio, Base: virtioBase, Size: virtioSize},
		},
		DeviceWindow:          windowVirtio,
		DefaultDeviceMMIOSize: virtioSlot,
		DeviceAlign:           virtioSlot,
		IRQBase:               1,
		IRQLimit:              plicSources + 1,
		IRQReserved:           []uint32{uartIRQ},
		Fixed:                 fixedRegions,
	}
}

func fixedRegions(_ layout.Request, spans []layout.Span) []layout.Region {
	top := spans[len(spans)-1].End()
	dtb := (top - dtbRegionSize).AlignDown(dtbRegionSize)
	return []layout.Region{
		{Name: "clint", Base: clintBase, Size: clintSize, Purpose: layout.PurposeMMIO},
		{Name: "plic", Base: plicBase, Size: plicSize, Purpose: layout.PurposeMMIO},
		{Name: "uart", Base: uartBase, Size: uartSize, Purpose: layout.PurposeMMIO},
		{Name: regionSBI, Base: ramBase, Size: sbiSize, Purpose: layout.PurposeFirmware},
		{Name: regionStack, Base: dtb - stackSize, Size: stackSize, Purpose: layout.PurposeStack},
		{Name: regionDTB, Base: dtb, Size: uint64(top - dtb), Purpose: layout.PurposeFirmwareTables, Align: dtbRegionSize},
	}
}
