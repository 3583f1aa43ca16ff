package debugstub

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmboot/internal/hv"
)

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

type Instruction struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

func (i Instruction) String() string {
	return fmt.Sprintf("%#x: % x\t%s", i.Addr, i.Bytes, i.Text)
}

// Disassemble decodes up to count instructions starting at guest virtual
// address vaddr of vCPU index. Decoding stops early at the first invalid
// instruction, which is returned as "(bad)".
func (a *Adapter) Disassemble(index int, vaddr uint64, count int) ([]Instruction, error) {
	var width int
	switch a.arch {
	case hv.ArchitectureX86_64:
		width = maxInstLen
	case hv.ArchitectureARM64:
		width = 4
	default:
		return nil, hv.ConfigError(hv.ErrUnsupported, "disassemble", 0, 0).WithDetail("no disassembler for %s", a.arch)
	}

	code, err := a.ReadMemory(index, vaddr, count*width)
	if err != nil {
		return nil, err
	}
	return decode(a.arch, code, vaddr, count), nil
}

func decode(arch hv.CpuArchitecture, code []byte, pc uint64, count int) []Instruction {
	var out []Instruction
	for off := 0; len(out) < count && off < len(code); {
		var (
			n    int
			text string
		)
		switch arch {
		case hv.ArchitectureX86_64:
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil {
				out = append(out, Instruction{Addr: pc, Bytes: code[off : off+1], Text: "(bad)"})
				return out
			}
			n, text = inst.Len, strings.TrimSpace(x86asm.GNUSyntax(inst, pc, nil))
		case hv.ArchitectureARM64:
			if len(code)-off < 4 {
				return out
			}
			n = 4
			inst, err := arm64asm.Decode(code[off : off+4])
			if err != nil {
				out = append(out, Instruction{Addr: pc, Bytes: code[off : off+4], Text: "(bad)"})
				return out
			}
			text = strings.TrimSpace(arm64asm.GNUSyntax(inst))
		default:
			return out
		}
		out = append(out, Instruction{Addr: pc, Bytes: code[off : off+n], Text: text})
		off += n
		pc += uint64(n)
	}
	return out
}
