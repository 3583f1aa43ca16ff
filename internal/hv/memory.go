package hv

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// GuestAddress is a guest physical address. Layout computations never use
// host pointers.
type GuestAddress uint64

func (a GuestAddress) String() string { return fmt.Sprintf("%#x", uint64(a)) }

func (a GuestAddress) Add(n uint64) GuestAddress { return a + GuestAddress(n) }

// AlignUp rounds a up to align, which must be zero or a power of two.
func (a GuestAddress) AlignUp(align uint64) GuestAddress {
	if align <= 1 {
		return a
	}
	mask := GuestAddress(align - 1)
	return (a + mask) &^ mask
}

func (a GuestAddress) AlignDown(align uint64) GuestAddress {
	if align <= 1 {
		return a
	}
	return a &^ GuestAddress(align-1)
}

func (a GuestAddress) IsAligned(align uint64) bool {
	return align <= 1 || uint64(a)&(align-1) == 0
}

// GuestMemory is the memory collaborator. Offsets passed to ReadAt and
// WriteAt are guest physical addresses; implementations must reject any
// access not fully contained in mapped memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// VcpuLoader is the hypervisor collaborator that receives initial register
// state. Ownership of state passes to the loader.
type VcpuLoader interface {
	SetRegisters(index int, state *VcpuState) error
}

// WriteGuest writes data at addr and reports collaborator failures and
// short writes as memory access errors.
func WriteGuest(mem GuestMemory, addr GuestAddress, data []byte) error {
	if mem == nil {
		return MemoryError("write", addr, uint64(len(data)), errors.New("memory collaborator is nil"))
	}
	if uint64(addr) > math.MaxInt64 {
		return MemoryError("write", addr, uint64(len(data)), errors.New("address out of host range"))
	}
	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return MemoryError("write", addr, uint64(len(data)), err)
	}
	if n != len(data) {
		return MemoryError("write", addr, uint64(len(data)), io.ErrShortWrite)
	}
	return nil
}

// ReadGuest reads n bytes starting at addr.
func ReadGuest(mem GuestMemory, addr GuestAddress, n int) ([]byte, error) {
	if mem == nil {
		return nil, MemoryError("read", addr, uint64(n), errors.New("memory collaborator is nil"))
	}
	if uint64(addr) > math.MaxInt64 {
		return nil, MemoryError("read", addr, uint64(n), errors.New("address out of host range"))
	}
	buf := make([]byte, n)
	got, err := mem.ReadAt(buf, int64(addr))
	if err != nil && !(errors.Is(err, io.EOF) && got == n) {
		return nil, MemoryError("read", addr, uint64(n), err)
	}
	if got != n {
		return nil, MemoryError("read", addr, uint64(n), io.ErrUnexpectedEOF)
	}
	return buf, nil
}
