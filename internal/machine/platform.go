package machine

import (
	"github.com/tinyrange/vmboot/internal/debugstub"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

// Platform is one architecture's implementation of the bring-up contract.
// A Platform is bound to the Config it was selected for.
//
// The calls are made in order: PlanMemory, PlaceBoot, BuildTables,
// EncodeBoot and finally InitVcpu once per vCPU. PlanMemory and PlaceBoot
// never touch guest memory, so every configuration and image error is
// reported before the first write.
type Platform interface {
	Architecture() hv.CpuArchitecture
	Config() *Config

	// Constraints returns the planner constraints for the bound config.
	Constraints() *layout.Constraints
	PlanMemory() (*layout.Layout, error)

	// PlaceBoot probes the kernel image and assigns guest addresses to every
	// boot artefact.
	PlaceBoot(l *layout.Layout) (*BootInfo, error)

	// BuildTables serializes the firmware tables into the table region and
	// writes them to mem.
	BuildTables(l *layout.Layout, info *BootInfo, mem hv.GuestMemory) (*TableSet, error)

	// EncodeBoot writes the boot structures and payload described by info.
	EncodeBoot(l *layout.Layout, info *BootInfo, tables *TableSet, mem hv.GuestMemory) error

	// InitVcpu computes the initial register state of vCPU index out of
	// count. It is pure and may be called concurrently.
	InitVcpu(l *layout.Layout, info *BootInfo, index, count int) (*hv.VcpuState, error)

	// DebugStub returns a debugger adapter when Features.DebugStub is set and
	// fails with hv.ErrUnsupported otherwise.
	DebugStub(mem hv.GuestMemory, target debugstub.Target, pauser debugstub.Pauser) (*debugstub.Adapter, error)
}

// NewDebugStub is the DebugStub implementation shared by the architecture
// packages.
func NewDebugStub(cfg *Config, mem hv.GuestMemory, target debugstub.Target, pauser debugstub.Pauser) (*debugstub.Adapter, error) {
	if !cfg.Features.DebugStub {
		return nil, hv.ConfigError(hv.ErrUnsupported, "debug stub", 0, 0).WithDetail("debug stub feature is disabled")
	}
	return debugstub.New(cfg.Arch, mem, target, pauser)
}

// CheckVcpu validates an InitVcpu index against the planned topology.
func CheckVcpu(l *layout.Layout, index, count int) error {
	if count <= 0 || count != l.VcpuCount() {
		return hv.ConfigError(hv.ErrUnsupportedVcpuCount, "init vcpu", uint64(max(count, 0)), uint64(l.VcpuCount()))
	}
	if index < 0 || index >= count {
		return hv.ConfigError(hv.ErrUnsupportedVcpuCount, "init vcpu", uint64(max(index, 0)), uint64(count)).WithDetail("vcpu index out of range")
	}
	return nil
}
