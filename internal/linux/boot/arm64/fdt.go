package arm64

import (
	"fmt"

	"github.com/tinyrange/vmboot/internal/fdt"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	phandleGIC   = 1
	phandleClock = 2

	// Linux GIC binding.
	gicIRQCells      = 3
	gicIRQTypeSPI    = 0
	gicIRQTypePPI    = 1
	gicPPICPUShift   = 8
	gicPPICPUMask    = 0xff << gicPPICPUShift
	irqTypeEdgeRise  = 0x1
	irqTypeLevelHigh = 0x4
	irqTypeLevelLow  = 0x8

	uartClock      = 1843200
	apbClock       = 24000000
	pl031ID        = 0x00041031
	pciRangeMMIO32 = 0x02000000
	pciDevShift    = 11

	psciCPUSuspend = 0xc4000001
	psciCPUOff     = 0x84000002
	psciCPUOn      = 0xc4000003
	psciMigrate    = 0xc4000005
)

var serialNode = fmt.Sprintf("uart@%x", uartBase)

// timerPPIs are the secure, non-secure, virtual and hypervisor timers.
var timerPPIs = [...]uint32{13, 14, 11, 10}

type deviceTree struct {
	layout  *layout.Layout
	info    *machine.BootInfo
	gic     machine.GICVersion
	cmdline string
}

func (t deviceTree) spi(line, trigger uint32) fdt.Property {
	return fdt.U32(gicIRQTypeSPI, line, trigger)
}

func (t deviceTree) build() fdt.Node {
	l := t.layout
	root := fdt.NewNode("")
	root.Set("compatible", fdt.String("linux,dummy-virt")).
		Set("interrupt-parent", fdt.U32(phandleGIC)).
		Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2))

	root.Add(
		t.chosen(),
		t.memory(),
		t.cpus(),
		t.intc(),
		t.timer(),
		t.serial(),
		t.psci(),
		t.clock(),
		t.rtc(),
	)
	for _, d := range l.Devices() {
		if d.Device.Kind != hv.DeviceVirtioMMIO {
			continue
		}
		n := fdt.NewNode(fmt.Sprintf("virtio_mmio@%x", uint64(d.Region.Base)))
		n.Set("compatible", fdt.String("virtio,mmio")).
			Set("reg", fdt.U64(uint64(d.Region.Base), d.Region.Size)).
			Set("interrupts", t.spi(d.IRQ, irqTypeEdgeRise)).
			Set("dma-coherent", fdt.Flag())
		root.Add(n)
	}
	if cam, ok := l.Named(regionCAM); ok {
		root.Add(t.pci(cam))
	}
	return root
}

func (t deviceTree) chosen() fdt.Node {
	n := fdt.NewNode("chosen")
	n.Set("bootargs", fdt.String(t.cmdline)).
		Set("kaslr-seed", fdt.U64(0)).
		Set("stdout-path", fdt.String("/"+serialNode))
	if !t.info.Initrd.Empty() {
		n.Set("linux,initrd-start", fdt.U64(uint64(t.info.Initrd.Base))).
			Set("linux,initrd-end", fdt.U64(uint64(t.info.Initrd.End())))
	}
	if _, ok := t.layout.Named(regionCAM); ok {
		n.Set("linux,pci-probe-only", fdt.U32(1))
	}
	return n
}

func (t deviceTree) memory() fdt.Node {
	n := fdt.NewNode(fmt.Sprintf("memory@%x", uint64(t.layout.RAMBase())))
	var reg []uint64
	for _, s := range t.layout.Spans() {
		reg = append(reg, uint64(s.Base), s.Size)
	}
	n.Set("device_type", fdt.String("memory")).Set("reg", fdt.U64(reg...))
	return n
}

func (t deviceTree) cpus() fdt.Node {
	n := fdt.NewNode("cpus")
	n.Set("#address-cells", fdt.U32(1)).Set("#size-cells", fdt.U32(0))
	count := t.layout.VcpuCount()
	for i := range count {
		cpu := fdt.NewNode(fmt.Sprintf("cpu@%x", i))
		cpu.Set("device_type", fdt.String("cpu")).
			Set("compatible", fdt.String("arm,arm-v8")).
			Set("reg", fdt.U32(uint32(i)))
		if count > 1 {
			cpu.Set("enable-method", fdt.String("psci"))
		}
		n.Add(cpu)
	}
	return n
}

func (t deviceTree) intc() fdt.Node {
	n := fdt.NewNode("intc")
	if t.gic == machine.GICv3 {
		redist := uint64(t.layout.VcpuCount()) * gicRedistSize
		n.Set("compatible", fdt.String("arm,gic-v3")).
			Set("reg", fdt.U64(gicDistBase, gicDistSize, gicRedistBase, redist))
	} else {
		n.Set("compatible", fdt.String("arm,cortex-a15-gic")).
			Set("reg", fdt.U64(gicDistBase, gicDistSize, gicCPUBase, gicCPUSize))
	}
	n.Set("#interrupt-cells", fdt.U32(gicIRQCells)).
		Set("interrupt-controller", fdt.Flag()).
		Set("phandle", fdt.U32(phandleGIC)).
		Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2))
	return n
}

// timerCPUMask is the PPI target list. GICv3 ignores it.
func (t deviceTree) timerCPUMask() uint32 {
	if t.gic == machine.GICv3 {
		return 0
	}
	count := uint32(t.layout.VcpuCount())
	return ((1<<count - 1) << gicPPICPUShift) & gicPPICPUMask
}

func (t deviceTree) timer() fdt.Node {
	mask := t.timerCPUMask()
	var cells []uint32
	for _, irq := range timerPPIs {
		cells = append(cells, gicIRQTypePPI, irq, mask|irqTypeLevelLow)
	}
	n := fdt.NewNode("timer")
	n.Set("compatible", fdt.String("arm,armv8-timer")).
		Set("interrupts", fdt.U32(cells...)).
		Set("always-on", fdt.Flag())
	return n
}

func (t deviceTree) serial() fdt.Node {
	n := fdt.NewNode(serialNode)
	n.Set("compatible", fdt.String("ns16550a")).
		Set("reg", fdt.U64(uartBase, uartSize)).
		Set("clock-frequency", fdt.U32(uartClock)).
		Set("interrupts", t.spi(uartSPI, irqTypeEdgeRise))
	return n
}

func (t deviceTree) psci() fdt.Node {
	n := fdt.NewNode("psci")
	n.Set("compatible", fdt.String("arm,psci-0.2")).
		Set("method", fdt.String("hvc")).
		Set("cpu_suspend", fdt.U32(psciCPUSuspend)).
		Set("cpu_off", fdt.U32(psciCPUOff)).
		Set("cpu_on", fdt.U32(psciCPUOn)).
		Set("migrate", fdt.U32(psciMigrate))
	return n
}

// clock is the fixed APB clock the AMBA bus needs to probe the RTC.
func (t deviceTree) clock() fdt.Node {
	n := fdt.NewNode("apb-pclk")
	n.Set("compatible", fdt.String("fixed-clock")).
		Set("#clock-cells", fdt.U32(0)).
		Set("clock-frequency", fdt.U32(apbClock)).
		Set("clock-output-names", fdt.String("clk24mhz")).
		Set("phandle", fdt.U32(phandleClock))
	return n
}

func (t deviceTree) rtc() fdt.Node {
	n := fdt.NewNode(fmt.Sprintf("rtc@%x", rtcBase))
	n.Set("compatible", fdt.String("arm,pl031", "arm,primecell")).
		Set("arm,primecell-periphid", fdt.U32(pl031ID)).
		Set("reg", fdt.U64(rtcBase, rtcSize)).
		Set("interrupts", t.spi(rtcSPI, irqTypeLevelHigh)).
		Set("clocks", fdt.U32(phandleClock)).
		Set("clock-names", fdt.String("apb_pclk"))
	return n
}

// pci describes a generic CAM host bridge on bus 0 with one INTA# line per
// slot.
func (t deviceTree) pci(cam layout.Region) fdt.Node {
	var irqMap, mask []uint32
	for _, d := range t.layout.Devices() {
		if d.Device.Kind != hv.DevicePCI {
			continue
		}
		irqMap = append(irqMap,
			d.Device.BusAddress<<pciDevShift, 0, 0, 1,
			phandleGIC, 0, 0,
			gicIRQTypeSPI, d.IRQ, irqTypeLevelHigh,
		)
		mask = []uint32{0xf800, 0, 0, 7}
	}

	n := fdt.NewNode(fmt.Sprintf("pci@%x", uint64(cam.Base)))
	n.Set("compatible", fdt.String("pci-host-cam-generic")).
		Set("device_type", fdt.String("pci")).
		Set("ranges", fdt.U32(
			pciRangeMMIO32, 0, pciMMIOBase,
			0, pciMMIOBase,
			0, pciMMIOSize,
		)).
		Set("bus-range", fdt.U32(0, 0)).
		Set("#address-cells", fdt.U32(3)).
		Set("#size-cells", fdt.U32(2)).
		Set("reg", fdt.U64(uint64(cam.Base), cam.Size)).
		Set("#interrupt-cells", fdt.U32(1)).
		Set("interrupt-map", fdt.U32(irqMap...)).
		Set("interrupt-map-mask", fdt.U32(mask...)).
		Set("dma-coherent", fdt.Flag())
	return n
}

// buildDeviceTree serializes the tree into at most the size of the table
// region.
func buildDeviceTree(l *layout.Layout, info *machine.BootInfo, gic machine.GICVersion, cmdline string) (*machine.TableSet, error) {
	region, ok := l.Named(regionDTB)
	if !ok {
		return nil, hv.LayoutError(hv.ErrOutOfRange, "build tables", 0, 0).WithDetail("layout has no device tree region")
	}
	tree := deviceTree{layout: l, info: info, gic: gic, cmdline: cmdline}
	blob, err := fdt.BuildLimit(tree.build(), nil, int(region.Size))
	if err != nil {
		return nil, err
	}
	set := &machine.TableSet{
		Root:   region.Base,
		Region: region,
		Tables: []machine.FirmwareTable{{
			Name:     "fdt",
			Revision: fdt.Version,
			Kind:     machine.TableFDT,
			Address:  region.Base,
			Data:     blob,
		}},
	}
	if err := set.Verify(); err != nil {
		return nil, err
	}
	return set, nil
}
