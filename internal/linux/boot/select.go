// Package boot selects the architecture implementation for a VM and drives
// the bring-up sequence that turns a machine.Config into guest memory
// contents and initial vCPU state.
package boot

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/linux/boot/amd64"
	"github.com/tinyrange/vmboot/internal/linux/boot/arm64"
	"github.com/tinyrange/vmboot/internal/linux/boot/riscv64"
	"github.com/tinyrange/vmboot/internal/machine"
)

// Select returns the Platform for cfg.Arch. It never touches guest memory,
// so an unsupported architecture is reported before anything is written.
func Select(cfg *machine.Config) (machine.Platform, error) {
	if cfg == nil {
		return nil, hv.ConfigError(hv.ErrUnsupported, "select", 0, 0).WithDetail("nil config")
	}
	arch, err := hv.ParseArchitecture(string(cfg.Arch))
	if err != nil {
		return nil, err
	}
	if arch != cfg.Arch {
		c := *cfg
		c.Arch = arch
		cfg = &c
	}

	switch arch {
	case hv.ArchitectureX86_64:
		return amd64.New(cfg), nil
	case hv.ArchitectureARM64:
		return arm64.New(cfg), nil
	case hv.ArchitectureRISCV64:
		return riscv64.New(cfg), nil
	default:
		return nil, hv.ConfigError(hv.ErrUnsupportedArchitecture, "select", 0, 0).WithDetail("architecture %q", cfg.Arch)
	}
}

// PlanMemory validates cfg and returns its memory layout without touching
// guest memory. Callers use it to size the memory they pass to BringUp.
func PlanMemory(cfg *machine.Config) (*layout.Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := Select(cfg)
	if err != nil {
		return nil, err
	}
	return p.PlanMemory()
}
