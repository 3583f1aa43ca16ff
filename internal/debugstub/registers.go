package debugstub

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
)

// RegisterInfo describes one entry of the GDB register file. Register is
// hv.RegisterInvalid for registers the state does not carry, which encode
// as zero.
type RegisterInfo struct {
	Number   int
	Name     string
	Bits     int
	Register hv.Register
}

var amd64Layout = buildLayout([]RegisterInfo{
	{Name: "rax", Bits: 64, Register: hv.RegisterAMD64Rax},
	{Name: "rbx", Bits: 64, Register: hv.RegisterAMD64Rbx},
	{Name: "rcx", Bits: 64, Register: hv.RegisterAMD64Rcx},
	{Name: "rdx", Bits: 64, Register: hv.RegisterAMD64Rdx},
	{Name: "rsi", Bits: 64, Register: hv.RegisterAMD64Rsi},
	{Name: "rdi", Bits: 64, Register: hv.RegisterAMD64Rdi},
	{Name: "rbp", Bits: 64, Register: hv.RegisterAMD64Rbp},
	{Name: "rsp", Bits: 64, Register: hv.RegisterAMD64Rsp},
	{Name: "r8", Bits: 64, Register: hv.RegisterAMD64R8},
	{Name: "r9", Bits: 64, Register: hv.RegisterAMD64R9},
	{Name: "r10", Bits: 64, Register: hv.RegisterAMD64R10},
	{Name: "r11", Bits: 64, Register: hv.RegisterAMD64R11},
	{Name: "r12", Bits: 64, Register: hv.RegisterAMD64R12},
	{Name: "r13", Bits: 64, Register: hv.RegisterAMD64R13},
	{Name: "r14", Bits: 64, Register: hv.RegisterAMD64R14},
	{Name: "r15", Bits: 64, Register: hv.RegisterAMD64R15},
	{Name: "rip", Bits: 64, Register: hv.RegisterAMD64Rip},
	{Name: "eflags", Bits: 32, Register: hv.RegisterAMD64Rflags},
	{Name: "cs", Bits: 32, Register: hv.RegisterAMD64Cs},
	{Name: "ss", Bits: 32, Register: hv.RegisterAMD64Ss},
	{Name: "ds", Bits: 32, Register: hv.RegisterAMD64Ds},
	{Name: "es", Bits: 32, Register: hv.RegisterAMD64Es},
	{Name: "fs", Bits: 32, Register: hv.RegisterAMD64Fs},
	{Name: "gs", Bits: 32, Register: hv.RegisterAMD64Gs},
})

var arm64Layout = func() []RegisterInfo {
	var regs []RegisterInfo
	for i := range 31 {
		regs = append(regs, RegisterInfo{Name: fmt.Sprintf("x%d", i), Bits: 64, Register: hv.RegisterARM64X0 + hv.Register(i)})
	}
	regs = append(regs,
		RegisterInfo{Name: "sp", Bits: 64, Register: hv.RegisterARM64Sp},
		RegisterInfo{Name: "pc", Bits: 64, Register: hv.RegisterARM64Pc},
		RegisterInfo{Name: "cpsr", Bits: 32, Register: hv.RegisterARM64Pstate},
	)
	return buildLayout(regs)
}()

var riscvLayout = func() []RegisterInfo {
	regs := []RegisterInfo{{Name: "zero", Bits: 64}}
	for i := 1; i < 32; i++ {
		regs = append(regs, RegisterInfo{Name: fmt.Sprintf("x%d", i), Bits: 64, Register: hv.RegisterRISCVX1 + hv.Register(i-1)})
	}
	regs = append(regs, RegisterInfo{Name: "pc", Bits: 64, Register: hv.RegisterRISCVPc})
	return buildLayout(regs)
}()

func buildLayout(regs []RegisterInfo) []RegisterInfo {
	for i := range regs {
		regs[i].Number = i
	}
	return regs
}

// RegisterLayout returns the general register file in GDB numbering.
func (a *Adapter) RegisterLayout() []RegisterInfo {
	return layoutFor(a.arch)
}

func layoutFor(arch hv.CpuArchitecture) []RegisterInfo {
	var l []RegisterInfo
	switch arch {
	case hv.ArchitectureX86_64:
		l = amd64Layout
	case hv.ArchitectureARM64:
		l = arm64Layout
	case hv.ArchitectureRISCV64:
		l = riscvLayout
	}
	return append([]RegisterInfo(nil), l...)
}

// EncodeRegisters renders state as the body of a GDB 'g' packet: every
// register of the layout in order, little endian, hex encoded. Segment
// registers encode their selector.
func EncodeRegisters(state *hv.VcpuState) (string, error) {
	l := layoutFor(state.Arch)
	if len(l) == 0 {
		return "", hv.ConfigError(hv.ErrUnsupportedArchitecture, "encode registers", 0, 0).WithDetail("architecture %q", state.Arch)
	}
	var buf []byte
	for _, info := range l {
		var v uint64
		rv, _ := state.Get(info.Register)
		switch rv := rv.(type) {
		case hv.Register64:
			v = uint64(rv)
		case hv.Segment:
			v = uint64(rv.Selector)
		}
		switch info.Bits {
		case 32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		default:
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	return hex.EncodeToString(buf), nil
}

// EncodeRegisters reads vCPU index and encodes its register file.
func (a *Adapter) EncodeRegisters(index int) (string, error) {
	s, err := a.ReadRegisters(index)
	if err != nil {
		return "", err
	}
	return EncodeRegisters(s)
}
