// Package debugstub gives an external debugger transport access to a paused
// guest: registers, guest-virtual memory, address translation and
// disassembly. The adapter never runs vCPUs itself; it relies on the caller
// to keep them stopped while it is used.
package debugstub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vmboot/internal/debug"
	"github.com/tinyrange/vmboot/internal/hv"
)

// ErrNotPaused is returned by every Adapter method while the guest runs.
var ErrNotPaused = errors.New("debugstub: guest is not paused")

// ErrBadRegister indicates a register that cannot be written for the
// adapter's architecture.
var ErrBadRegister = errors.New("debugstub: bad register")

// Target is the hypervisor side of the adapter.
type Target interface {
	GetRegisters(index int) (*hv.VcpuState, error)
	SetRegister(index int, reg hv.Register, value uint64) error
}

// Pauser reports whether every vCPU is currently stopped.
type Pauser interface {
	Paused() bool
}

type Adapter struct {
	mu     sync.Mutex
	arch   hv.CpuArchitecture
	mem    hv.GuestMemory
	target Target
	pauser Pauser
	log    debug.Debug
}

func New(arch hv.CpuArchitecture, mem hv.GuestMemory, target Target, pauser Pauser) (*Adapter, error) {
	switch arch {
	case hv.ArchitectureX86_64, hv.ArchitectureARM64, hv.ArchitectureRISCV64:
	default:
		return nil, hv.ConfigError(hv.ErrUnsupportedArchitecture, "debug stub", 0, 0).WithDetail("architecture %q", arch)
	}
	if mem == nil || target == nil || pauser == nil {
		return nil, errors.New("debugstub: memory, target and pauser are required")
	}
	return &Adapter{
		arch:   arch,
		mem:    mem,
		target: target,
		pauser: pauser,
		log:    debug.WithSource("debugstub"),
	}, nil
}

func (a *Adapter) Architecture() hv.CpuArchitecture { return a.arch }

// lock acquires the adapter and checks the paused invariant. The caller
// must unlock when err is nil.
func (a *Adapter) lock() error {
	a.mu.Lock()
	if !a.pauser.Paused() {
		a.mu.Unlock()
		return ErrNotPaused
	}
	return nil
}

func (a *Adapter) registers(index int) (*hv.VcpuState, error) {
	s, err := a.target.GetRegisters(index)
	if err != nil {
		return nil, fmt.Errorf("debugstub: get registers of vcpu %d: %w", index, err)
	}
	if s == nil || s.Arch != a.arch {
		return nil, fmt.Errorf("debugstub: vcpu %d returned registers for the wrong architecture", index)
	}
	return s, nil
}

// ReadRegisters returns a copy of vCPU index's register state.
func (a *Adapter) ReadRegisters(index int) (*hv.VcpuState, error) {
	if err := a.lock(); err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	s, err := a.registers(index)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (a *Adapter) WriteRegister(index int, reg hv.Register, value uint64) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()

	if reg == hv.RegisterMPState || !reg.ValidFor(a.arch) {
		return fmt.Errorf("%s on %s: %w", reg, a.arch, ErrBadRegister)
	}
	a.log.Writef("vcpu %d: set %s = %#x", index, reg, value)
	if err := a.target.SetRegister(index, reg, value); err != nil {
		return fmt.Errorf("debugstub: set %s on vcpu %d: %w", reg, index, err)
	}
	return nil
}

// Translate resolves a guest virtual address using vCPU index's current
// paging state.
func (a *Adapter) Translate(index int, vaddr uint64) (hv.GuestAddress, error) {
	if err := a.lock(); err != nil {
		return 0, err
	}
	defer a.mu.Unlock()

	s, err := a.registers(index)
	if err != nil {
		return 0, err
	}
	return a.walker(s).translate(vaddr)
}

// ReadMemory reads n bytes at guest virtual address vaddr as seen by vCPU
// index. Reads may span pages that are not physically contiguous.
func (a *Adapter) ReadMemory(index int, vaddr uint64, n int) ([]byte, error) {
	if err := a.lock(); err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	out := make([]byte, 0, n)
	err := a.eachPage(index, vaddr, n, func(pa hv.GuestAddress, off, size int) error {
		b, err := hv.ReadGuest(a.mem, pa, size)
		if err != nil {
			return err
		}
		out = append(out, b...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) WriteMemory(index int, vaddr uint64, data []byte) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()

	a.log.Writef("vcpu %d: write %d bytes at %#x", index, len(data), vaddr)
	return a.eachPage(index, vaddr, len(data), func(pa hv.GuestAddress, off, size int) error {
		return hv.WriteGuest(a.mem, pa, data[off:off+size])
	})
}

// eachPage splits [vaddr, vaddr+n) at page boundaries and calls fn with the
// physical address of each piece. All pieces are translated before fn runs
// so a fault leaves memory untouched.
func (a *Adapter) eachPage(index int, vaddr uint64, n int, fn func(pa hv.GuestAddress, off, size int) error) error {
	if n < 0 {
		return fmt.Errorf("debugstub: negative length %d", n)
	}
	s, err := a.registers(index)
	if err != nil {
		return err
	}
	w := a.walker(s)

	type piece struct {
		pa        hv.GuestAddress
		off, size int
	}
	var pieces []piece
	for off := 0; off < n; {
		va := vaddr + uint64(off)
		size := min(n-off, int(pageSize-va%pageSize))
		pa, err := w.translate(va)
		if err != nil {
			return err
		}
		pieces = append(pieces, piece{pa, off, size})
		off += size
	}
	for _, p := range pieces {
		if err := fn(p.pa, p.off, p.size); err != nil {
			return err
		}
	}
	return nil
}
