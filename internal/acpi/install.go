package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	fadtRevision = 6
	fadtSize     = 276

	fadtFlagResetRegSup = 1 << 10
	fadtFlagHWReduced   = 1 << 20

	// IAPC_BOOT_ARCH: legacy devices present, no VGA.
	iapcBootArch = 1<<0 | 1<<2

	resetPort  = 0xCF9
	resetValue = 0x06
	sleepPort  = 0x600
	s5SleepTyp = 5
)

// Build serializes the complete ACPI table set for cfg. The tables are laid
// out lowest-first in cfg.Region starting with the RSDP.
func Build(cfg Config) (*machine.TableSet, error) {
	cfg.normalize()
	if cfg.Region.Size == 0 {
		return nil, hv.LayoutError(hv.ErrTableOverflow, "build acpi", 0, 0).WithDetail("no table region")
	}
	if !cfg.Region.Base.IsAligned(tableAlign) {
		return nil, hv.LayoutError(hv.ErrMisaligned, "build acpi", uint64(cfg.Region.Base), tableAlign)
	}
	if cfg.NumCPUs > 255 {
		return nil, hv.EncodingError(hv.ErrInvalidTopology, "build acpi", uint64(cfg.NumCPUs), 255).WithDetail("xAPIC ids are eight bits")
	}
	for i, d := range cfg.VirtioDevices {
		if len(d.Name) > 4 {
			return nil, hv.EncodingError(hv.ErrInvalidTopology, "build acpi", uint64(len(d.Name)), 4).WithDetail("device name %q", d.Name)
		}
		if d.BaseAddr+d.Size > 1<<32 {
			return nil, hv.EncodingError(hv.ErrInvalidTopology, "build acpi", d.BaseAddr, 1<<32).WithDetail("virtio device %d above 4 GiB", i)
		}
	}

	oem := cfg.OEM
	tables := []table{
		{sig: "RSDP", revision: 2, kind: machine.TableRSDP, encode: func(a *arena) []byte {
			return buildRSDP(a.addr("XSDT"), oem)
		}},
		{sig: "XSDT", revision: 1, kind: machine.TableACPI, encode: func(a *arena) []byte {
			entries := []uint64{a.addr("FACP"), a.addr("APIC")}
			if cfg.HPET != nil {
				entries = append(entries, a.addr("HPET"))
			}
			if cfg.PCI != nil {
				entries = append(entries, a.addr("MCFG"))
			}
			return sdt("XSDT", 1, "VMBOOTXS", oem, buildXSDTBody(entries))
		}},
		{sig: "FACP", revision: fadtRevision, kind: machine.TableACPI, encode: func(a *arena) []byte {
			return sdt("FACP", fadtRevision, "VMBOOTFA", oem, buildFADTBody(a.addr("DSDT"), cfg.PowerEvents))
		}},
		{sig: "DSDT", revision: 2, kind: machine.TableACPI, encode: func(*arena) []byte {
			return sdt("DSDT", 2, "VMBOOTDS", oem, buildDSDTBody(cfg))
		}},
		{sig: "APIC", revision: 5, kind: machine.TableACPI, encode: func(*arena) []byte {
			return sdt("APIC", 5, "VMBOOTAP", oem, buildMADTBody(cfg))
		}},
	}
	if cfg.HPET != nil {
		tables = append(tables, table{sig: "HPET", revision: 1, kind: machine.TableACPI, encode: func(*arena) []byte {
			return sdt("HPET", 1, "VMBOOTHP", oem, buildHPETBody(cfg.HPET))
		}})
	}
	if cfg.PCI != nil {
		tables = append(tables, table{sig: "MCFG", revision: 1, kind: machine.TableACPI, encode: func(*arena) []byte {
			return sdt("MCFG", 1, "VMBOOTMC", oem, buildMCFGBody(cfg.PCI))
		}})
	}

	out, err := build(cfg.Region.Base, cfg.Region.Size, tables)
	if err != nil {
		return nil, err
	}
	set := &machine.TableSet{Root: out[0].Address, Region: cfg.Region, Tables: out}
	if err := set.Verify(); err != nil {
		return nil, fmt.Errorf("acpi: %w", err)
	}
	return set, nil
}

// Install builds the tables and writes them to guest memory.
func Install(mem hv.GuestMemory, cfg Config) (*machine.TableSet, error) {
	set, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := set.Write(mem); err != nil {
		return nil, err
	}
	return set, nil
}

func buildDSDTBody(cfg Config) []byte {
	var devices [][]byte

	for _, dev := range []struct {
		name string
		hid  string
		port uint16
		len  uint8
		irq  uint8
	}{
		{name: "COM1", hid: "PNP0501", port: 0x3f8, len: 8, irq: 4},
		{name: "RTC0", hid: "PNP0B00", port: 0x70, len: 2, irq: 8},
	} {
		var crs resourceTemplate
		crs.io(dev.port, dev.len)
		crs.irq(dev.irq)
		devices = append(devices, amlDevice(dev.name,
			amlName("_HID", amlString(dev.hid)),
			amlName("_CRS", amlBuffer(crs.bytes())),
		))
	}

	for i, vdev := range cfg.VirtioDevices {
		name := vdev.Name
		if name == "" {
			name = fmt.Sprintf("V%03X", i)
		}
		var crs resourceTemplate
		crs.memory32Fixed(uint32(vdev.BaseAddr), uint32(vdev.Size))
		crs.extendedInterrupt(vdev.GSI)
		devices = append(devices, amlDevice(name,
			amlName("_HID", amlString("LNRO0005")),
			amlName("_UID", amlInteger(uint64(i))),
			amlName("_CRS", amlBuffer(crs.bytes())),
		))
	}

	if pci := cfg.PCI; pci != nil {
		var crs resourceTemplate
		crs.wordBusNumber(pci.StartBus, pci.EndBus)
		if pci.MMIOSize > 0 {
			crs.dwordMemory(uint32(pci.MMIOBase), uint32(pci.MMIOSize))
		}
		devices = append(devices, amlDevice("PCI0",
			amlName("_HID", amlString("PNP0A08")),
			amlName("_CID", amlString("PNP0A03")),
			amlName("_SEG", amlInteger(uint64(pci.Segment))),
			amlName("_BBN", amlInteger(uint64(pci.StartBus))),
			amlName("_UID", amlInteger(0)),
			amlName("_CRS", amlBuffer(crs.bytes())),
		))
	}

	var body bytes.Buffer
	body.Write(amlScope("\\_SB_", devices...))
	if cfg.PowerEvents {
		body.Write(amlName("_S5", amlPackage(amlInteger(s5SleepTyp))))
	}
	return body.Bytes()
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PCAT_COMPAT

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0) // Processor Local APIC
		buf.WriteByte(8)
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1)) // enabled
	}

	buf.WriteByte(1) // I/O APIC
	buf.WriteByte(12)
	buf.WriteByte(cfg.IOAPIC.ID)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.Address)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.GSIBase)

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(2) // Interrupt Source Override
		buf.WriteByte(10)
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	// Local APIC NMI on LINT1 for every processor.
	buf.Write([]byte{4, 6, 0xff, 0, 0, 1})

	return buf.Bytes()
}

func buildHPETBody(cfg *HPETConfig) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(0x8086A201)) // event timer block id
	buf.Write([]byte{0, 64, 0, 0})                              // GAS: system memory, 64 bit
	binary.Write(buf, binary.LittleEndian, cfg.Address)
	buf.WriteByte(0)                                       // HPET number
	binary.Write(buf, binary.LittleEndian, uint16(0x0080)) // minimum tick
	buf.WriteByte(0)                                       // page protection

	return buf.Bytes()
}

func buildMCFGBody(pci *PCIConfig) []byte {
	buf := &bytes.Buffer{}
	buf.Write(make([]byte, 8))
	binary.Write(buf, binary.LittleEndian, pci.ECAMBase)
	binary.Write(buf, binary.LittleEndian, pci.Segment)
	buf.WriteByte(pci.StartBus)
	buf.WriteByte(pci.EndBus)
	buf.Write(make([]byte, 4))
	return buf.Bytes()
}

// gasIOByte encodes a Generic Address Structure for a byte wide I/O port.
func gasIOByte(port uint64) []byte {
	out := []byte{1, 8, 0, 1}
	return binary.LittleEndian.AppendUint64(out, port)
}

func buildFADTBody(dsdtAddr uint64, powerEvents bool) []byte {
	body := make([]byte, fadtSize-headerSize)
	at := func(off int) []byte { return body[off-headerSize:] }
	le := binary.LittleEndian

	le.PutUint32(at(40), uint32(dsdtAddr))
	le.PutUint16(at(46), sciIRQ)
	le.PutUint16(at(109), iapcBootArch)
	le.PutUint32(at(112), fadtFlagHWReduced|fadtFlagResetRegSup)
	copy(at(116), gasIOByte(resetPort))
	at(128)[0] = resetValue
	at(131)[0] = 3 // FADT minor version
	le.PutUint64(at(140), dsdtAddr)
	if powerEvents {
		copy(at(244), gasIOByte(sleepPort))
		copy(at(256), gasIOByte(sleepPort))
	}
	copy(at(268), "VMBOOT\x00\x00")
	return body
}

func buildXSDTBody(entries []uint64) []byte {
	buf := make([]byte, 0, len(entries)*8)
	for _, entry := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, entry)
	}
	return buf
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:], "RSD PTR ")
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2
	binary.LittleEndian.PutUint32(rsdp[20:], rsdpSize)
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = machine.Checksum(rsdp[:20])
	rsdp[32] = machine.Checksum(rsdp)
	return rsdp
}
