package hv

import (
	"encoding/binary"
	"fmt"
	"sort"
)

type RegisterEntry struct {
	Register Register
	Value    RegisterValue
}

// VcpuState is the initial register snapshot of one vCPU. Entries are kept
// sorted by register identity so two states built from the same inputs
// compare and encode identically.
type VcpuState struct {
	Arch  CpuArchitecture
	Index int

	regs []RegisterEntry
}

func NewVcpuState(arch CpuArchitecture, index int) *VcpuState {
	return &VcpuState{Arch: arch, Index: index}
}

// Set stores value for reg, replacing any previous value. It panics if reg
// does not belong to the state's architecture; callers outside the
// architecture packages validate with Register.ValidFor first.
func (s *VcpuState) Set(reg Register, value RegisterValue) {
	if !reg.ValidFor(s.Arch) {
		panic(fmt.Sprintf("hv: register %s is not valid for %s", reg, s.Arch))
	}
	i := sort.Search(len(s.regs), func(i int) bool { return s.regs[i].Register >= reg })
	if i < len(s.regs) && s.regs[i].Register == reg {
		s.regs[i].Value = value
		return
	}
	s.regs = append(s.regs, RegisterEntry{})
	copy(s.regs[i+1:], s.regs[i:])
	s.regs[i] = RegisterEntry{Register: reg, Value: value}
}

func (s *VcpuState) SetUint64(reg Register, value uint64) {
	s.Set(reg, Register64(value))
}

func (s *VcpuState) Get(reg Register) (RegisterValue, bool) {
	i := sort.Search(len(s.regs), func(i int) bool { return s.regs[i].Register >= reg })
	if i < len(s.regs) && s.regs[i].Register == reg {
		return s.regs[i].Value, true
	}
	return nil, false
}

// Uint64 returns the value of a 64-bit register. MP state is reported as its
// numeric value.
func (s *VcpuState) Uint64(reg Register) (uint64, bool) {
	v, ok := s.Get(reg)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case Register64:
		return uint64(v), true
	case MPState:
		return uint64(v), true
	default:
		return 0, false
	}
}

// MPState returns the power state pseudo register.
func (s *VcpuState) MPState() MPState {
	v, ok := s.Get(RegisterMPState)
	if !ok {
		return MPStateRunnable
	}
	if st, ok := v.(MPState); ok {
		return st
	}
	return MPStateRunnable
}

func (s *VcpuState) Len() int { return len(s.regs) }

// Registers returns a copy of the entries in register order.
func (s *VcpuState) Registers() []RegisterEntry {
	return append([]RegisterEntry(nil), s.regs...)
}

// Map returns the state in the shape hypervisor backends consume.
func (s *VcpuState) Map() map[Register]RegisterValue {
	out := make(map[Register]RegisterValue, len(s.regs))
	for _, e := range s.regs {
		out[e.Register] = e.Value
	}
	return out
}

func (s *VcpuState) Clone() *VcpuState {
	return &VcpuState{Arch: s.Arch, Index: s.Index, regs: s.Registers()}
}

func (s *VcpuState) Equal(o *VcpuState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Arch != o.Arch || s.Index != o.Index || len(s.regs) != len(o.regs) {
		return false
	}
	for i := range s.regs {
		if s.regs[i] != o.regs[i] {
			return false
		}
	}
	return true
}

func (MPState) isRegisterValue() {}

// AppendBinary appends a canonical encoding of the state to b.
func (s *VcpuState) AppendBinary(b []byte) []byte {
	b = append(b, s.Arch...)
	b = append(b, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(s.Index))
	for _, e := range s.regs {
		b = binary.LittleEndian.AppendUint16(b, uint16(e.Register))
		switch v := e.Value.(type) {
		case Register64:
			b = append(b, 1)
			b = binary.LittleEndian.AppendUint64(b, uint64(v))
		case MPState:
			b = append(b, 2)
			b = binary.LittleEndian.AppendUint64(b, uint64(v))
		case Segment:
			b = append(b, 3)
			b = binary.LittleEndian.AppendUint64(b, v.Base)
			b = binary.LittleEndian.AppendUint32(b, v.Limit)
			b = binary.LittleEndian.AppendUint16(b, v.Selector)
			b = append(b, v.Type, v.Present, v.DPL, v.DB, v.S, v.L, v.G, v.AVL, v.Unusable)
		case DescriptorTable:
			b = append(b, 4)
			b = binary.LittleEndian.AppendUint64(b, v.Base)
			b = binary.LittleEndian.AppendUint16(b, v.Limit)
		default:
			b = append(b, 0)
		}
	}
	return b
}

func (s *VcpuState) String() string {
	return fmt.Sprintf("vcpu%d(%s, %d registers)", s.Index, s.Arch, len(s.regs))
}
