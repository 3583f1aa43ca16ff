package machine

import (
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
)

// Features are per-VM switches. They are part of the configuration and are
// never read from process-wide state.
type Features struct {
	// DebugStub enables the debugger adapter.
	DebugStub bool
	// PowerEvents describes guest-initiated shutdown (ACPI sleep registers and
	// \_S5 on x86_64).
	PowerEvents bool
}

// GICVersion selects the aarch64 interrupt controller model.
type GICVersion uint8

const (
	GICDefault GICVersion = 0
	GICv2      GICVersion = 2
	GICv3      GICVersion = 3
)

func (v GICVersion) String() string {
	switch v {
	case GICv2:
		return "gicv2"
	case GICv3:
		return "gicv3"
	default:
		return "default"
	}
}

// Config is the architecture-neutral VM description consumed by bring-up.
type Config struct {
	Arch       hv.CpuArchitecture
	MemorySize uint64
	VcpuCount  int

	Kernel  []byte
	Initrd  []byte
	Cmdline string

	Devices  []hv.DeviceDescriptor
	Features Features

	// GIC is only consulted on aarch64.
	GIC GICVersion
}

// Request extracts the planner input from the configuration.
func (c *Config) Request() layout.Request {
	return layout.Request{
		MemorySize: c.MemorySize,
		VcpuCount:  c.VcpuCount,
		Devices:    c.Devices,
	}
}

// Validate performs architecture-independent checks. Limits that depend on
// the architecture are enforced by the planner and the encoders.
func (c *Config) Validate() error {
	if c == nil {
		return hv.ConfigError(hv.ErrUnsupported, "validate config", 0, 0).WithDetail("nil config")
	}
	if _, err := hv.ParseArchitecture(string(c.Arch)); err != nil {
		return err
	}
	if c.VcpuCount <= 0 {
		return hv.ConfigError(hv.ErrUnsupportedVcpuCount, "validate config", uint64(max(c.VcpuCount, 0)), 0)
	}
	if c.MemorySize == 0 {
		return hv.ConfigError(hv.ErrInsufficientMemory, "validate config", 0, 0)
	}
	if len(c.Kernel) == 0 {
		return hv.ConfigError(hv.ErrMalformedImage, "validate config", 0, 0).WithDetail("kernel image is empty")
	}
	if c.GIC != GICDefault && c.GIC != GICv2 && c.GIC != GICv3 {
		return hv.ConfigError(hv.ErrUnsupported, "validate config", uint64(c.GIC), 0).WithDetail("unknown GIC version")
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.Kind != hv.DeviceVirtioMMIO && d.Kind != hv.DevicePCI {
			return hv.ConfigError(hv.ErrInvalidTopology, "validate config", 0, 0).WithDetail("device %q has kind %s", d.Name, d.Kind)
		}
		if _, ok := seen[d.Name]; ok {
			return hv.ConfigError(hv.ErrInvalidTopology, "validate config", 0, 0).WithDetail("duplicate device %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("%s mem=%#x vcpus=%d kernel=%d initrd=%d devices=%d",
		c.Arch, c.MemorySize, c.VcpuCount, len(c.Kernel), len(c.Initrd), len(c.Devices))
}
