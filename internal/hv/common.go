package hv

import (
	"fmt"
	"strings"
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// SupportedArchitectures lists every architecture with a bring-up
// implementation, in a stable order.
func SupportedArchitectures() []CpuArchitecture {
	return []CpuArchitecture{ArchitectureX86_64, ArchitectureARM64, ArchitectureRISCV64}
}

// ParseArchitecture accepts the usual spellings of an architecture name
// (GOARCH, uname -m and the canonical constant).
func ParseArchitecture(name string) (CpuArchitecture, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "x86_64", "amd64", "x64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	case "riscv64", "riscv":
		return ArchitectureRISCV64, nil
	}
	return ArchitectureInvalid, &Error{
		Class:  ClassConfiguration,
		Kind:   ErrUnsupportedArchitecture,
		Op:     "parse architecture",
		Detail: fmt.Sprintf("%q", name),
	}
}

func (a CpuArchitecture) String() string { return string(a) }

// RegisterValue is implemented by every value a Register can hold.
type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Segment mirrors the hidden part of an x86 segment register.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

func (Segment) isRegisterValue() {}

// DescriptorTable is the value of GDTR/IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

func (DescriptorTable) isRegisterValue() {}

// MPState values follow the KVM_MP_STATE_* numbering so a hypervisor backend
// can pass them straight through.
type MPState uint64

const (
	MPStateRunnable      MPState = 0
	MPStateUninitialized MPState = 1
	MPStateHalted        MPState = 3
	MPStateStopped       MPState = 5
)

func (s MPState) String() string {
	switch s {
	case MPStateRunnable:
		return "runnable"
	case MPStateUninitialized:
		return "wait-for-sipi"
	case MPStateHalted:
		return "halted"
	case MPStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("mpstate(%d)", uint64(s))
	}
}

type Register uint16

const (
	RegisterInvalid Register = iota

	// RegisterMPState is a pseudo register carrying the vCPU power state.
	RegisterMPState

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Control Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer

	// AMD64 Segment and Descriptor Table Registers
	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
	RegisterAMD64Tr
	RegisterAMD64Ldtr
	RegisterAMD64Gdtr
	RegisterAMD64Idtr

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate

	// ARM64 System Registers
	RegisterARM64SctlrEl1
	RegisterARM64TcrEl1
	RegisterARM64Ttbr0El1
	RegisterARM64Ttbr1El1

	// RISC-V Registers (x0 is hardwired to zero and has no entry)
	RegisterRISCVPc
	RegisterRISCVX1
	RegisterRISCVX2
	RegisterRISCVX3
	RegisterRISCVX4
	RegisterRISCVX5
	RegisterRISCVX6
	RegisterRISCVX7
	RegisterRISCVX8
	RegisterRISCVX9
	RegisterRISCVX10
	RegisterRISCVX11
	RegisterRISCVX12
	RegisterRISCVX13
	RegisterRISCVX14
	RegisterRISCVX15
	RegisterRISCVX16
	RegisterRISCVX17
	RegisterRISCVX18
	RegisterRISCVX19
	RegisterRISCVX20
	RegisterRISCVX21
	RegisterRISCVX22
	RegisterRISCVX23
	RegisterRISCVX24
	RegisterRISCVX25
	RegisterRISCVX26
	RegisterRISCVX27
	RegisterRISCVX28
	RegisterRISCVX29
	RegisterRISCVX30
	RegisterRISCVX31

	// RISC-V Privileged State
	RegisterRISCVMode
	RegisterRISCVSatp
	RegisterRISCVSstatus

	registerCount
)

// RISC-V ABI aliases.
const (
	RegisterRISCVRa = RegisterRISCVX1
	RegisterRISCVSp = RegisterRISCVX2
	RegisterRISCVGp = RegisterRISCVX3
	RegisterRISCVTp = RegisterRISCVX4
	RegisterRISCVA0 = RegisterRISCVX10
	RegisterRISCVA1 = RegisterRISCVX11
)

var amd64RegisterNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
	"cr0", "cr2", "cr3", "cr4", "cr8", "efer",
	"cs", "ds", "es", "fs", "gs", "ss", "tr", "ldtr", "gdtr", "idtr",
}

func (r Register) String() string {
	switch {
	case r == RegisterMPState:
		return "mp_state"
	case r >= RegisterAMD64Rax && r <= RegisterAMD64Idtr:
		return amd64RegisterNames[r-RegisterAMD64Rax]
	case r >= RegisterARM64X0 && r <= RegisterARM64X30:
		return fmt.Sprintf("x%d", r-RegisterARM64X0)
	case r == RegisterARM64Sp:
		return "sp"
	case r == RegisterARM64Pc:
		return "pc"
	case r == RegisterARM64Pstate:
		return "pstate"
	case r == RegisterARM64SctlrEl1:
		return "sctlr_el1"
	case r == RegisterARM64TcrEl1:
		return "tcr_el1"
	case r == RegisterARM64Ttbr0El1:
		return "ttbr0_el1"
	case r == RegisterARM64Ttbr1El1:
		return "ttbr1_el1"
	case r == RegisterRISCVPc:
		return "pc"
	case r >= RegisterRISCVX1 && r <= RegisterRISCVX31:
		return fmt.Sprintf("x%d", r-RegisterRISCVX1+1)
	case r == RegisterRISCVMode:
		return "mode"
	case r == RegisterRISCVSatp:
		return "satp"
	case r == RegisterRISCVSstatus:
		return "sstatus"
	default:
		return fmt.Sprintf("register(%d)", uint16(r))
	}
}

// Architecture reports which architecture owns r. The MP state pseudo
// register belongs to every architecture and reports ArchitectureInvalid.
func (r Register) Architecture() CpuArchitecture {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64Idtr:
		return ArchitectureX86_64
	case r >= RegisterARM64X0 && r <= RegisterARM64Ttbr1El1:
		return ArchitectureARM64
	case r >= RegisterRISCVPc && r <= RegisterRISCVSstatus:
		return ArchitectureRISCV64
	default:
		return ArchitectureInvalid
	}
}

// ValidFor reports whether r may appear in a register set for arch.
func (r Register) ValidFor(arch CpuArchitecture) bool {
	if r == RegisterMPState {
		return true
	}
	return r > RegisterInvalid && r < registerCount && r.Architecture() == arch
}

// LookupRegister resolves a register by name for arch.
func LookupRegister(arch CpuArchitecture, name string) (Register, bool) {
	name = strings.ToLower(name)
	for r := RegisterMPState; r < registerCount; r++ {
		if r.ValidFor(arch) && r.String() == name {
			return r, true
		}
	}
	return RegisterInvalid, false
}
