package amd64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmboot/internal/acpi"
	"github.com/tinyrange/vmboot/internal/debugstub"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

// Platform boots Linux on x86_64 through the 64-bit boot protocol with ACPI
// firmware tables.
type Platform struct {
	cfg    *machine.Config
	kernel *Kernel
}

var _ machine.Platform = (*Platform)(nil)

func New(cfg *machine.Config) *Platform {
	return &Platform{cfg: cfg}
}

func (p *Platform) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (p *Platform) Config() *machine.Config          { return p.cfg }
func (p *Platform) Constraints() *layout.Constraints { return Constraints() }

func (p *Platform) PlanMemory() (*layout.Layout, error) {
	return layout.Plan(Constraints(), p.cfg.Request())
}

func (p *Platform) PlaceBoot(l *layout.Layout) (*machine.BootInfo, error) {
	k, err := ProbeKernel(p.cfg.Kernel)
	if err != nil {
		return nil, err
	}
	info, err := placeBoot(l, k, p.cfg.Initrd, p.cfg.Cmdline)
	if err != nil {
		return nil, err
	}
	p.kernel = k
	return info, nil
}

// ACPIConfig derives the ACPI description of the planned machine.
func (p *Platform) ACPIConfig(l *layout.Layout) (acpi.Config, error) {
	region, ok := l.Named(regionACPI)
	if !ok {
		return acpi.Config{}, hv.LayoutError(hv.ErrOutOfRange, "build tables", 0, 0).WithDetail("layout has no ACPI region")
	}
	cfg := acpi.Config{
		Region:      region,
		NumCPUs:     l.VcpuCount(),
		LAPICBase:   lapicAddr,
		IOAPIC:      acpi.IOAPICConfig{Address: ioapicAddr},
		PowerEvents: p.cfg.Features.PowerEvents,
	}
	if hpet, ok := l.Named(regionHPET); ok {
		cfg.HPET = &acpi.HPETConfig{Address: uint64(hpet.Base)}
	}
	if ecam, ok := l.Named(regionECAM); ok {
		cfg.PCI = &acpi.PCIConfig{
			ECAMBase: uint64(ecam.Base),
			EndBus:   uint8(ecam.Size>>20 - 1),
			MMIOBase: pciMMIOBase,
			MMIOSize: pciMMIOSize,
		}
	}
	for _, d := range l.Devices() {
		if d.Device.Kind != hv.DeviceVirtioMMIO {
			continue
		}
		cfg.VirtioDevices = append(cfg.VirtioDevices, acpi.VirtioMMIODevice{
			BaseAddr: uint64(d.Region.Base),
			Size:     d.Region.Size,
			GSI:      d.IRQ,
		})
	}
	return cfg, nil
}

func (p *Platform) BuildTables(l *layout.Layout, info *machine.BootInfo, mem hv.GuestMemory) (*machine.TableSet, error) {
	cfg, err := p.ACPIConfig(l)
	if err != nil {
		return nil, err
	}
	set, err := acpi.Install(mem, cfg)
	if err != nil {
		return nil, err
	}
	if set.Root != info.TableRoot {
		return nil, hv.LayoutError(hv.ErrOverlap, "build tables", uint64(set.Root), uint64(info.TableRoot)).
			WithDetail("RSDP moved after placement")
	}
	return set, nil
}

func (p *Platform) EncodeBoot(l *layout.Layout, info *machine.BootInfo, tables *machine.TableSet, mem hv.GuestMemory) error {
	k := p.kernel
	if k == nil {
		return errors.New("amd64: EncodeBoot called before PlaceBoot")
	}

	if err := machine.WriteSegments(mem, info.Segments); err != nil {
		return err
	}
	if err := writeCmdline(mem, info, p.cfg.Cmdline); err != nil {
		return err
	}

	var rsdp hv.GuestAddress
	if tables != nil {
		rsdp = tables.Root
	}
	zp, err := buildZeroPage(k, info, rsdp, E820Map(l))
	if err != nil {
		return err
	}
	if err := hv.WriteGuest(mem, info.BootParams, zp); err != nil {
		return fmt.Errorf("write zero page: %w", err)
	}

	if err := hv.WriteGuest(mem, info.GDT.Base, encodeGDT()); err != nil {
		return fmt.Errorf("write gdt: %w", err)
	}
	if err := hv.WriteGuest(mem, info.IDT.Base, make([]byte, info.IDT.Size)); err != nil {
		return fmt.Errorf("write idt: %w", err)
	}
	if err := hv.WriteGuest(mem, info.PageTableRoot, encodePageTables()); err != nil {
		return fmt.Errorf("write page tables: %w", err)
	}
	return nil
}

func (p *Platform) InitVcpu(l *layout.Layout, info *machine.BootInfo, index, count int) (*hv.VcpuState, error) {
	if err := machine.CheckVcpu(l, index, count); err != nil {
		return nil, err
	}
	if index == 0 {
		return bootState(info), nil
	}
	return resetState(index), nil
}

func (p *Platform) DebugStub(mem hv.GuestMemory, target debugstub.Target, pauser debugstub.Pauser) (*debugstub.Adapter, error) {
	return machine.NewDebugStub(p.cfg, mem, target, pauser)
}
