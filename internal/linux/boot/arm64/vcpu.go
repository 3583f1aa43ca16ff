package arm64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	pstateModeEL1h = 0x5
	pstateDF       = 0x200
	pstateAF       = 0x100
	pstateIF       = 0x80
	pstateFF       = 0x40

	bootPstate = pstateModeEL1h | pstateDF | pstateAF | pstateIF | pstateFF
)

// bootState enters the kernel on the boot CPU with the MMU off, EL1h and
// all of DAIF masked, x0 pointing at the device tree.
func bootState(info *machine.BootInfo) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureARM64, 0)
	s.SetUint64(hv.RegisterARM64Pc, uint64(info.Entry))
	s.SetUint64(hv.RegisterARM64Sp, uint64(info.StackTop))
	s.SetUint64(hv.RegisterARM64X0, uint64(info.TableRoot))
	s.SetUint64(hv.RegisterARM64X1, 0)
	s.SetUint64(hv.RegisterARM64X2, 0)
	s.SetUint64(hv.RegisterARM64X3, 0)
	s.SetUint64(hv.RegisterARM64Pstate, bootPstate)
	s.Set(hv.RegisterMPState, hv.MPStateRunnable)
	return s
}

// secondaryState leaves the CPU powered off until the kernel issues
// PSCI CPU_ON.
func secondaryState(index int) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureARM64, index)
	s.SetUint64(hv.RegisterARM64Pc, 0)
	s.SetUint64(hv.RegisterARM64Pstate, bootPstate)
	s.Set(hv.RegisterMPState, hv.MPStateStopped)
	return s
}
