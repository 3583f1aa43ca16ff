package debugstub

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmboot/internal/hv"
)

const (
	defaultMaxFrames = 16
	maxFrameJump     = 0x100000
)

// StackFrame is one unwound frame of the guest kernel.
type StackFrame struct {
	Index  int
	PC     uint64
	Symbol string
	Offset uint64
}

func (f StackFrame) String() string {
	if f.Symbol == "" {
		return fmt.Sprintf("#%d %#x", f.Index, f.PC)
	}
	return fmt.Sprintf("#%d %#x %s+%#x", f.Index, f.PC, f.Symbol, f.Offset)
}

// frameABI describes where a frame record keeps the caller's frame pointer
// and return address, relative to the frame pointer.
type frameABI struct {
	pc, fp        hv.Register
	prevFP, retPC int64
}

var frameABIs = map[hv.CpuArchitecture]frameABI{
	hv.ArchitectureX86_64:  {pc: hv.RegisterAMD64Rip, fp: hv.RegisterAMD64Rbp, prevFP: 0, retPC: 8},
	hv.ArchitectureARM64:   {pc: hv.RegisterARM64Pc, fp: hv.RegisterARM64X29, prevFP: 0, retPC: 8},
	hv.ArchitectureRISCV64: {pc: hv.RegisterRISCVPc, fp: hv.RegisterRISCVX8, prevFP: -16, retPC: -8},
}

// StackTrace walks the frame pointer chain of vCPU index and symbolizes each
// return address with syms, which may be nil. The result always holds the
// current PC; a walk error is returned alongside the frames collected so far.
// Symbols only resolve for kernels booted without KASLR.
func (a *Adapter) StackTrace(index int, syms *Symbols, maxFrames int) ([]StackFrame, error) {
	if err := a.lock(); err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	s, err := a.registers(index)
	if err != nil {
		return nil, err
	}
	abi := frameABIs[a.arch]
	w := a.walker(s)
	read := func(va uint64) (uint64, error) {
		pa, err := w.translate(va)
		if err != nil {
			return 0, err
		}
		if pa.AlignDown(pageSize) != pa.Add(7).AlignDown(pageSize) {
			return 0, fmt.Errorf("frame slot %#x crosses a page", va)
		}
		b, err := hv.ReadGuest(a.mem, pa, 8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}

	var frames []StackFrame
	add := func(pc uint64) {
		name, off, _ := syms.Lookup(pc)
		frames = append(frames, StackFrame{Index: len(frames), PC: pc, Symbol: name, Offset: off})
	}

	pc, _ := s.Uint64(abi.pc)
	fp, _ := s.Uint64(abi.fp)
	add(pc)
	for len(frames) < maxFrames && fp != 0 {
		ret, err := read(fp + uint64(abi.retPC))
		if err != nil {
			return frames, fmt.Errorf("read return address of frame %#x: %w", fp, err)
		}
		prev, err := read(fp + uint64(abi.prevFP))
		if err != nil {
			return frames, fmt.Errorf("read frame pointer %#x: %w", fp, err)
		}
		if ret == 0 {
			break
		}
		add(ret)
		// Stacks grow down, so callers' frames sit at higher addresses.
		if prev <= fp {
			break
		}
		if prev-fp > maxFrameJump {
			return frames, fmt.Errorf("frame pointer jump %#x -> %#x too large", fp, prev)
		}
		fp = prev
	}
	return frames, nil
}
