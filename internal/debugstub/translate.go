package debugstub

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
)

// ErrPageFault is returned when a virtual address has no valid mapping.
var ErrPageFault = errors.New("debugstub: page fault")

const (
	pageSize  = 4096
	pageShift = 12
)

type walker interface {
	translate(vaddr uint64) (hv.GuestAddress, error)
}

type identity struct{}

func (identity) translate(vaddr uint64) (hv.GuestAddress, error) { return hv.GuestAddress(vaddr), nil }

func (a *Adapter) walker(s *hv.VcpuState) walker {
	reg := func(r hv.Register) uint64 {
		v, _ := s.Uint64(r)
		return v
	}
	switch a.arch {
	case hv.ArchitectureX86_64:
		cr0 := reg(hv.RegisterAMD64Cr0)
		if cr0&x86CR0PG == 0 {
			return identity{}
		}
		return &x86Walker{
			mem:  a.mem,
			cr3:  reg(hv.RegisterAMD64Cr3),
			cr4:  reg(hv.RegisterAMD64Cr4),
			efer: reg(hv.RegisterAMD64Efer),
		}
	case hv.ArchitectureARM64:
		if reg(hv.RegisterARM64SctlrEl1)&arm64SctlrM == 0 {
			return identity{}
		}
		return &arm64Walker{
			mem:   a.mem,
			tcr:   reg(hv.RegisterARM64TcrEl1),
			ttbr0: reg(hv.RegisterARM64Ttbr0El1),
			ttbr1: reg(hv.RegisterARM64Ttbr1El1),
		}
	case hv.ArchitectureRISCV64:
		satp := reg(hv.RegisterRISCVSatp)
		if satp>>60 == satpModeBare || reg(hv.RegisterRISCVMode) == privMachine {
			return identity{}
		}
		return &riscvWalker{mem: a.mem, satp: satp}
	}
	return identity{}
}

func readEntry(mem hv.GuestMemory, addr uint64) (uint64, error) {
	b, err := hv.ReadGuest(mem, hv.GuestAddress(addr), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func fault(vaddr uint64, format string, args ...any) error {
	return fmt.Errorf("translate %#x: %s: %w", vaddr, fmt.Sprintf(format, args...), ErrPageFault)
}

// x86_64 4-level paging.

const (
	x86CR0PG   = 1 << 31
	x86CR4PAE  = 1 << 5
	x86CR4LA57 = 1 << 12
	x86EFERLMA = 1 << 10

	x86PtePresent = 1 << 0
	x86PtePS      = 1 << 7
	x86AddrMask   = 0x000ffffffffff000
)

type x86Walker struct {
	mem            hv.GuestMemory
	cr3, cr4, efer uint64
}

func (w *x86Walker) translate(vaddr uint64) (hv.GuestAddress, error) {
	if w.cr4&x86CR4PAE == 0 || w.efer&x86EFERLMA == 0 {
		return 0, hv.ConfigError(hv.ErrUnsupported, "translate", vaddr, 0).WithDetail("only long mode paging is supported")
	}
	if w.cr4&x86CR4LA57 != 0 {
		return 0, hv.ConfigError(hv.ErrUnsupported, "translate", vaddr, 0).WithDetail("5-level paging")
	}
	// Bits 63:48 must copy bit 47.
	if top := vaddr >> 47; top != 0 && top != 0x1ffff {
		return 0, fault(vaddr, "non-canonical address")
	}

	table := w.cr3 & x86AddrMask
	for level := 3; level >= 0; level-- {
		shift := pageShift + 9*level
		entry, err := readEntry(w.mem, table+((vaddr>>shift)&0x1ff)*8)
		if err != nil {
			return 0, err
		}
		if entry&x86PtePresent == 0 {
			return 0, fault(vaddr, "level %d entry not present", level+1)
		}
		// PS on a PDPTE maps 1 GiB, on a PDE 2 MiB.
		if level == 0 || (level <= 2 && entry&x86PtePS != 0) {
			size := uint64(1) << shift
			base := entry & x86AddrMask &^ (size - 1)
			return hv.GuestAddress(base | vaddr&(size-1)), nil
		}
		table = entry & x86AddrMask
	}
	return 0, fault(vaddr, "walk did not terminate")
}

// aarch64 stage 1 translation with a 4 KiB granule.

const (
	arm64SctlrM = 1 << 0

	arm64DescValid = 1 << 0
	arm64DescTable = 1 << 1
	arm64OutMask   = 0x0000fffffffff000
	arm64TTBRMask  = 0x0000fffffffffffe

	arm64TG0Shift = 14
	arm64TG1Shift = 30
	arm64TG04K    = 0
	arm64TG14K    = 2
)

type arm64Walker struct {
	mem               hv.GuestMemory
	tcr, ttbr0, ttbr1 uint64
}

func (w *arm64Walker) translate(vaddr uint64) (hv.GuestAddress, error) {
	upper := vaddr>>63 != 0
	txsz := w.tcr & 0x3f
	granule, want4k := (w.tcr>>arm64TG0Shift)&3, uint64(arm64TG04K)
	ttbr := w.ttbr0
	if upper {
		txsz = (w.tcr >> 16) & 0x3f
		granule, want4k = (w.tcr>>arm64TG1Shift)&3, arm64TG14K
		ttbr = w.ttbr1
	}
	if granule != want4k {
		return 0, hv.ConfigError(hv.ErrUnsupported, "translate", vaddr, 0).WithDetail("only the 4KiB granule is supported")
	}
	txsz = max(txsz, 16)
	vaBits := int(64 - txsz)
	if vaBits < 25 {
		return 0, fault(vaddr, "TxSZ %d out of range", txsz)
	}

	// The address must be zero (TTBR0) or all ones (TTBR1) above vaBits.
	high := vaddr >> vaBits
	if (!upper && high != 0) || (upper && high != (uint64(1)<<txsz)-1) {
		return 0, fault(vaddr, "outside the %d-bit range", vaBits)
	}

	levels := (vaBits - pageShift + 8) / 9
	table := ttbr & arm64TTBRMask
	for level := 4 - levels; level <= 3; level++ {
		shift := pageShift + 9*(3-level)
		// The first level may resolve fewer than 9 bits.
		index := (vaddr >> shift) & (uint64(1)<<min(9, vaBits-shift) - 1)
		desc, err := readEntry(w.mem, table+index*8)
		if err != nil {
			return 0, err
		}
		if desc&arm64DescValid == 0 {
			return 0, fault(vaddr, "level %d descriptor invalid", level)
		}
		isTable := desc&arm64DescTable != 0
		switch {
		case level == 3 && isTable:
			// Page descriptor.
			return hv.GuestAddress(desc&arm64OutMask | vaddr&(pageSize-1)), nil
		case level == 3:
			return 0, fault(vaddr, "reserved level 3 descriptor")
		case !isTable:
			if level == 0 {
				return 0, fault(vaddr, "block descriptor at level 0")
			}
			size := uint64(1) << shift
			return hv.GuestAddress(desc&arm64OutMask&^(size-1) | vaddr&(size-1)), nil
		}
		table = desc & arm64OutMask
	}
	return 0, fault(vaddr, "walk did not terminate")
}

// RISC-V Sv39/Sv48.

const (
	satpModeBare = 0
	satpModeSv39 = 8
	satpModeSv48 = 9
	satpPPNBits  = 44

	privMachine = 3

	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
)

type riscvWalker struct {
	mem  hv.GuestMemory
	satp uint64
}

func (w *riscvWalker) translate(vaddr uint64) (hv.GuestAddress, error) {
	var levels int
	switch mode := w.satp >> 60; mode {
	case satpModeSv39:
		levels = 3
	case satpModeSv48:
		levels = 4
	default:
		return 0, hv.ConfigError(hv.ErrUnsupported, "translate", mode, 0).WithDetail("satp mode %d", mode)
	}
	// Bits above the top VPN must be a sign extension.
	vaBits := uint(pageShift + 9*levels)
	if top := vaddr >> (vaBits - 1); top != 0 && top != (uint64(1)<<(65-vaBits))-1 {
		return 0, fault(vaddr, "non-canonical address")
	}

	table := (w.satp & (1<<satpPPNBits - 1)) << pageShift
	for level := levels - 1; level >= 0; level-- {
		shift := pageShift + 9*level
		pte, err := readEntry(w.mem, table+((vaddr>>shift)&0x1ff)*8)
		if err != nil {
			return 0, err
		}
		if pte&pteV == 0 || (pte&pteR == 0 && pte&pteW != 0) {
			return 0, fault(vaddr, "invalid PTE at level %d", level)
		}
		ppn := (pte >> 10) & (1<<satpPPNBits - 1)
		if pte&(pteR|pteX) == 0 {
			table = ppn << pageShift
			continue
		}
		// Superpages must be aligned to their size.
		mask := uint64(1)<<(9*level) - 1
		if ppn&mask != 0 {
			return 0, fault(vaddr, "misaligned superpage at level %d", level)
		}
		size := uint64(1) << shift
		return hv.GuestAddress(ppn<<pageShift | vaddr&(size-1)), nil
	}
	return 0, fault(vaddr, "no leaf PTE")
}
