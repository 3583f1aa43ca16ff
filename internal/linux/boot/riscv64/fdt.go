package riscv64

import (
	"fmt"

	"github.com/tinyrange/vmboot/internal/fdt"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	timebaseFrequency = 10000000 // 10 MHz
	uartClock         = 3686400

	// Local interrupt causes routed by the CLINT and PLIC.
	irqMachineSoft   = 3
	irqMachineTimer  = 7
	irqSupervisorExt = 9
	irqMachineExt    = 11
)

// generateFDT creates the device tree for RISC-V Linux boot. Hart i's
// interrupt controller has phandle i+1 and the PLIC follows them.
func generateFDT(l *layout.Layout, info *machine.BootInfo, cmdline string) fdt.Node {
	numCPUs := l.VcpuCount()
	plicPhandle := uint32(numCPUs + 1)

	root := fdt.NewNode("")
	root.Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2)).
		Set("compatible", fdt.String("riscv-virtio")).
		Set("model", fdt.String("riscv-virtio,vmboot"))

	chosen := fdt.NewNode("chosen")
	chosen.Set("bootargs", fdt.String(cmdline)).
		Set("stdout-path", fdt.String(fmt.Sprintf("/soc/serial@%x", uartBase)))
	if !info.Initrd.Empty() {
		chosen.Set("linux,initrd-start", fdt.U64(uint64(info.Initrd.Base))).
			Set("linux,initrd-end", fdt.U64(uint64(info.Initrd.End())))
	}

	cpus := fdt.NewNode("cpus")
	cpus.Set("#address-cells", fdt.U32(1)).
		Set("#size-cells", fdt.U32(0)).
		Set("timebase-frequency", fdt.U32(timebaseFrequency))
	for i := range numCPUs {
		intc := fdt.NewNode("interrupt-controller")
		intc.Set("#interrupt-cells", fdt.U32(1)).
			Set("interrupt-controller", fdt.Flag()).
			Set("compatible", fdt.String("riscv,cpu-intc")).
			Set("phandle", fdt.U32(uint32(i+1)))

		cpu := fdt.NewNode(fmt.Sprintf("cpu@%d", i))
		cpu.Set("device_type", fdt.String("cpu")).
			Set("reg", fdt.U32(uint32(i))).
			Set("status", fdt.String("okay")).
			Set("compatible", fdt.String("riscv")).
			Set("riscv,isa", fdt.String("rv64imafdc_zicsr_zifencei")).
			Set("mmu-type", fdt.String("riscv,sv48")).
			Add(intc)
		cpus.Add(cpu)
	}

	memory := fdt.NewNode(fmt.Sprintf("memory@%x", uint64(l.RAMBase())))
	var reg []uint64
	for _, s := range l.Spans() {
		reg = append(reg, uint64(s.Base), s.Size)
	}
	memory.Set("device_type", fdt.String("memory")).Set("reg", fdt.U64(reg...))

	soc := fdt.NewNode("soc")
	soc.Set("#address-cells", fdt.U32(2)).
		Set("#size-cells", fdt.U32(2)).
		Set("compatible", fdt.String("simple-bus")).
		Set("ranges", fdt.Flag())

	// The CLINT drives software and timer interrupts, the PLIC external ones.
	var clintExt, plicExt []uint32
	for i := range numCPUs {
		ph := uint32(i + 1)
		clintExt = append(clintExt, ph, irqMachineSoft, ph, irqMachineTimer)
		plicExt = append(plicExt, ph, irqSupervisorExt, ph, irqMachineExt)
	}
	clint := fdt.NewNode(fmt.Sprintf("clint@%x", clintBase))
	clint.Set("compatible", fdt.String("sifive,clint0", "riscv,clint0")).
		Set("reg", fdt.U64(clintBase, clintSize)).
		Set("interrupts-extended", fdt.U32(clintExt...))

	plic := fdt.NewNode(fmt.Sprintf("plic@%x", plicBase))
	plic.Set("compatible", fdt.String("sifive,plic-1.0.0", "riscv,plic0")).
		Set("#interrupt-cells", fdt.U32(1)).
		Set("#address-cells", fdt.U32(0)).
		Set("interrupt-controller", fdt.Flag()).
		Set("reg", fdt.U64(plicBase, plicSize)).
		Set("interrupts-extended", fdt.U32(plicExt...)).
		Set("riscv,ndev", fdt.U32(plicSources)).
		Set("phandle", fdt.U32(plicPhandle))

	serial := fdt.NewNode(fmt.Sprintf("serial@%x", uartBase))
	serial.Set("compatible", fdt.String("ns16550a")).
		Set("reg", fdt.U64(uartBase, uartSize)).
		Set("clock-frequency", fdt.U32(uartClock)).
		Set("interrupts", fdt.U32(uartIRQ)).
		Set("interrupt-parent", fdt.U32(plicPhandle))

	soc.Add(clint, plic, serial)
	for _, d := range l.Devices() {
		if d.Device.Kind != hv.DeviceVirtioMMIO {
			continue
		}
		n := fdt.NewNode(fmt.Sprintf("virtio_mmio@%x", uint64(d.Region.Base)))
		n.Set("compatible", fdt.String("virtio,mmio")).
			Set("reg", fdt.U64(uint64(d.Region.Base), d.Region.Size)).
			Set("interrupts", fdt.U32(d.IRQ)).
			Set("interrupt-parent", fdt.U32(plicPhandle))
		soc.Add(n)
	}

	root.Add(chosen, cpus, memory, soc)
	return root
}

func buildDeviceTree(l *layout.Layout, info *machine.BootInfo, cmdline string) (*machine.TableSet, error) {
	region, ok := l.Named(regionDTB)
	if !ok {
		return nil, hv.LayoutError(hv.ErrOutOfRange, "build tables", 0, 0).WithDetail("layout has no device tree region")
	}
	blob, err := fdt.BuildLimit(generateFDT(l, info, cmdline), nil, int(region.Size))
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
