package amd64

import (
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10

	rflagsReserved = 0x2

	// Architectural reset values for application processors.
	resetCR0 = 0x60000010
	resetRIP = 0xfff0
)

var gprs = []hv.Register{
	hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx, hv.RegisterAMD64Rcx, hv.RegisterAMD64Rdx,
	hv.RegisterAMD64Rdi, hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10,
	hv.RegisterAMD64R11, hv.RegisterAMD64R12, hv.RegisterAMD64R13, hv.RegisterAMD64R14,
	hv.RegisterAMD64R15,
}

// bootState is the 64-bit entry state of the boot processor.
func bootState(info *machine.BootInfo) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureX86_64, 0)
	for _, r := range gprs {
		s.SetUint64(r, 0)
	}
	s.SetUint64(hv.RegisterAMD64Rip, uint64(info.Entry))
	s.SetUint64(hv.RegisterAMD64Rsi, uint64(info.BootParams))
	s.SetUint64(hv.RegisterAMD64Rsp, uint64(info.StackTop))
	s.SetUint64(hv.RegisterAMD64Rbp, uint64(info.StackTop))
	s.SetUint64(hv.RegisterAMD64Rflags, rflagsReserved)

	s.SetUint64(hv.RegisterAMD64Cr0, cr0PE|cr0MP|cr0ET|cr0NE|cr0WP|cr0AM|cr0PG)
	s.SetUint64(hv.RegisterAMD64Cr2, 0)
	s.SetUint64(hv.RegisterAMD64Cr3, uint64(info.PageTableRoot))
	s.SetUint64(hv.RegisterAMD64Cr4, cr4PAE)
	s.SetUint64(hv.RegisterAMD64Efer, eferLME|eferLMA)

	gdt := bootGDT()
	code := segmentFromGDT(gdt[codeSelector/8], codeSelector/8)
	data := segmentFromGDT(gdt[dataSelector/8], dataSelector/8)
	s.Set(hv.RegisterAMD64Cs, code)
	for _, r := range []hv.Register{hv.RegisterAMD64Ds, hv.RegisterAMD64Es, hv.RegisterAMD64Fs, hv.RegisterAMD64Gs, hv.RegisterAMD64Ss} {
		s.Set(r, data)
	}
	s.Set(hv.RegisterAMD64Tr, segmentFromGDT(gdt[tssSelector/8], tssSelector/8))
	s.Set(hv.RegisterAMD64Gdtr, hv.DescriptorTable{Base: uint64(info.GDT.Base), Limit: uint16(info.GDT.Size - 1)})
	s.Set(hv.RegisterAMD64Idtr, hv.DescriptorTable{Base: uint64(info.IDT.Base), Limit: uint16(info.IDT.Size - 1)})

	s.Set(hv.RegisterMPState, hv.MPStateRunnable)
	return s
}

// resetState parks an application processor in real mode waiting for the
// INIT/SIPI sequence.
func resetState(index int) *hv.VcpuState {
	s := hv.NewVcpuState(hv.ArchitectureX86_64, index)
	s.SetUint64(hv.RegisterAMD64Rip, resetRIP)
	s.SetUint64(hv.RegisterAMD64Rflags, rflagsReserved)
	s.SetUint64(hv.RegisterAMD64Cr0, resetCR0)

	s.Set(hv.RegisterAMD64Cs, hv.Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff, Type: 0xb, Present: 1, S: 1})
	data := hv.Segment{Limit: 0xffff, Type: 0x3, Present: 1, S: 1}
	for _, r := range []hv.Register{hv.RegisterAMD64Ds, hv.RegisterAMD64Es, hv.RegisterAMD64Fs, hv.RegisterAMD64Gs, hv.RegisterAMD64Ss} {
		s.Set(r, data)
	}
	s.Set(hv.RegisterAMD64Gdtr, hv.DescriptorTable{Limit: 0xffff})
	s.Set(hv.RegisterAMD64Idtr, hv.DescriptorTable{Limit: 0xffff})

	s.Set(hv.RegisterMPState, hv.MPStateUninitialized)
	return s
}
