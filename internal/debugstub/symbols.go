package debugstub

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

type symbol struct {
	addr uint64
	size uint64
	name string
}

// Symbols maps kernel text addresses to function names.
type Symbols struct {
	syms []symbol
}

// Lookup returns the function containing addr and the offset into it.
func (t *Symbols) Lookup(addr uint64) (string, uint64, bool) {
	if t == nil || len(t.syms) == 0 {
		return "", 0, false
	}
	idx := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].addr > addr
	})
	if idx == 0 {
		return "", 0, false
	}
	sym := t.syms[idx-1]
	if sym.size != 0 && addr >= sym.addr+sym.size {
		return "", 0, false
	}
	return sym.name, addr - sym.addr, true
}

func (t *Symbols) Len() int { return len(t.syms) }

// LoadELFSymbols reads the function symbols of an uncompressed vmlinux.
func LoadELFSymbols(r io.ReaderAt) (*Symbols, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open vmlinux: %w", err)
	}
	defer f.Close()

	raw, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}

	funcs := make([]symbol, 0, len(raw))
	for _, sym := range raw {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		typ := elf.ST_TYPE(sym.Info)
		if typ != elf.STT_FUNC && !(typ == elf.STT_NOTYPE && sym.Size != 0) {
			continue
		}
		funcs = append(funcs, symbol{addr: sym.Value, size: sym.Size, name: sym.Name})
	}
	return newSymbols(funcs)
}

// LoadSystemMap reads the text symbols of a System.map.
func LoadSystemMap(r io.Reader) (*Symbols, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var funcs []symbol
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || !isTextSymbolType(fields[1]) {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		funcs = append(funcs, symbol{addr: addr, name: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read System.map: %w", err)
	}
	return newSymbols(funcs)
}

// newSymbols sorts funcs and gives sizeless symbols the distance to their
// successor.
func newSymbols(funcs []symbol) (*Symbols, error) {
	if len(funcs) == 0 {
		return nil, fmt.Errorf("no function symbols found")
	}
	sort.Slice(funcs, func(i, j int) bool {
		return funcs[i].addr < funcs[j].addr
	})
	for i := range funcs {
		if funcs[i].size == 0 && i+1 < len(funcs) && funcs[i+1].addr > funcs[i].addr {
			funcs[i].size = funcs[i+1].addr - funcs[i].addr
		}
	}
	return &Symbols{syms: funcs}, nil
}

func isTextSymbolType(field string) bool {
	if field == "" {
		return false
	}
	switch field[0] {
	case 't', 'T', 'w', 'W':
		return true
	default:
		return false
	}
}
