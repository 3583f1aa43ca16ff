package arm64

import (
	"errors"

	"github.com/tinyrange/vmboot/internal/debugstub"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

// Platform boots an arm64 Linux Image described by a flattened device tree
// on a GICv2 or GICv3 virt machine.
type Platform struct {
	cfg    *machine.Config
	gic    machine.GICVersion
	kernel *Kernel
}

var _ machine.Platform = (*Platform)(nil)

func New(cfg *machine.Config) *Platform {
	return &Platform{cfg: cfg, gic: ResolveGIC(cfg.GIC, cfg.VcpuCount)}
}

func (p *Platform) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (p *Platform) Config() *machine.Config          { return p.cfg }
func (p *Platform) Constraints() *layout.Constraints { return Constraints(p.gic) }

// GIC is the interrupt controller the platform was resolved to.
func (p *Platform) GIC() machine.GICVersion { return p.gic }

func (p *Platform) PlanMemory() (*layout.Layout, error) {
	return layout.Plan(p.Constraints(), p.cfg.Request())
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

func (p *Platform) BuildTables(l *layout.Layout, info *machine.BootInfo, mem hv.GuestMemory) (*machine.TableSet, error) {
	set, err := buildDeviceTree(l, info, p.gic, p.cfg.Cmdline)
	if err != nil {
		return nil, err
	}
	if err := set.Write(mem); err != nil {
		return nil, err
	}
	return set, nil
}

func (p *Platform) EncodeBoot(l *layout.Layout, info *machine.BootInfo, tables *machine.TableSet, mem hv.GuestMemory) error {
	if p.kernel == nil {
		return errors.New("arm64: EncodeBoot called before PlaceBoot")
	}
	return machine.WriteSegments(mem, info.Segments)
}

func (p *Platform) InitVcpu(l *layout.Layout, info *machine.BootInfo, index, count int) (*hv.VcpuState, error) {
	if err := machine.CheckVcpu(l, index, count); err != nil {
		return nil, err
	}
	if index == 0 {
		return bootState(info), nil
	}
	return secondaryState(index), nil
}

func (p *Platform) DebugStub(mem hv.GuestMemory, target debugstub.Target, pauser debugstub.Pauser) (*debugstub.Adapter, error) {
	return machine.NewDebugStub(p.cfg, mem, target, pauser)
}
