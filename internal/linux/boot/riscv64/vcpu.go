package riscv64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const privSupervisor = 1

// bootState sets a0 = hart id, a1 = DTB and PC = kernel entry in S-mode
// with translation off.
func bootState(info *machine.BootInfo) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureRISCV64, 0)
	s.SetUint64(hv.RegisterRISCVPc, uint64(info.Entry))
	s.SetUint64(hv.RegisterRISCVA0, 0)
	s.SetUint64(hv.RegisterRISCVA1, uint64(info.TableRoot))
	s.SetUint64(hv.RegisterRISCVSp, uint64(info.StackTop))
	s.SetUint64(hv.RegisterRISCVMode, privSupervisor)
	s.SetUint64(hv.RegisterRISCVSatp, 0)
	s.SetUint64(hv.RegisterRISCVSstatus, 0)
	s.Set(hv.RegisterMPState, hv.MPStateRunnable)
	return s
}

// secondaryState leaves the hart stopped until the kernel starts it through
// the SBI HSM extension, which passes the hart id in a0 again.
func secondaryState(index int) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureRISCV64, index)
	s.SetUint64(hv.RegisterRISCVPc, 0)
	s.SetUint64(hv.RegisterRISCVA0, uint64(index))
	s.SetUint64(hv.RegisterRISCVMode, privSupervisor)
	s.SetUint64(hv.RegisterRISCVSatp, 0)
	s.Set(hv.RegisterMPState, hv.MPStateStopped)
	return s
}
