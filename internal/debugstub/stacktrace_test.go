package debugstub

import (
	"strings"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
)

const testSystemMap = `
0000000000001000 T start_kernel
0000000000001100 t do_one_initcall
0000000000001200 T rest_init
0000000000001300 D init_task
`

func loadTestSymbols(t *testing.T) *Symbols {
	t.Helper()
	syms, err := LoadSystemMap(strings.NewReader(testSystemMap))
	if err != nil {
		t.Fatalf("LoadSystemMap: %v", err)
	}
	if syms.Len() != 3 {
		t.Fatalf("loaded %d symbols, want 3 text symbols", syms.Len())
	}
	return syms
}

func TestSymbolLookup(t *testing.T) {
	syms := loadTestSymbols(t)
	for _, tt := range []struct {
		addr uint64
		name string
		off  uint64
	}{
		{0x1000, "start_kernel", 0},
		{0x10ff, "start_kernel", 0xff},
		{0x1100, "do_one_initcall", 0},
		{0x1234, "rest_init", 0x34},
	} {
		name, off, ok := syms.Lookup(tt.addr)
		if !ok || name != tt.name || off != tt.off {
			t.Fatalf("Lookup(%#x) = %s+%#x, %v; want %s+%#x", tt.addr, name, off, ok, tt.name, tt.off)
		}
	}
	if _, _, ok := syms.Lookup(0xfff); ok {
		t.Fatalf("address below the first symbol resolved")
	}
	if _, err := LoadSystemMap(strings.NewReader("# empty\n")); err == nil {
		t.Fatalf("empty System.map accepted")
	}
}

func TestStackTraceFramePointers(t *testing.T) {
	for _, tt := range []struct {
		arch    hv.CpuArchitecture
		pc, fp  hv.Register
		fp0     uint64
		entries map[uint64]uint64
	}{
		{
			arch: hv.ArchitectureX86_64, pc: hv.RegisterAMD64Rip, fp: hv.RegisterAMD64Rbp, fp0: 0x8000,
			entries: map[uint64]uint64{0x8000: 0x8100, 0x8008: 0x1120, 0x8100: 0, 0x8108: 0x1208},
		},
		{
			arch: hv.ArchitectureARM64, pc: hv.RegisterARM64Pc, fp: hv.RegisterARM64X29, fp0: 0x8000,
			entries: map[uint64]uint64{0x8000: 0x8100, 0x8008: 0x1120, 0x8100: 0, 0x8108: 0x1208},
		},
		{
			arch: hv.ArchitectureRISCV64, pc: hv.RegisterRISCVPc, fp: hv.RegisterRISCVX8, fp0: 0x8010,
			entries: map[uint64]uint64{0x8000: 0x8110, 0x8008: 0x1120, 0x8100: 0, 0x8108: 0x1208},
		},
	} {
		t.Run(string(tt.arch), func(t *testing.T) {
			f := newFixture(t, tt.arch)
			for addr, v := range tt.entries {
				put64(t, f.mem, addr, v)
			}
			f.state.SetUint64(tt.pc, 0x1010)
			f.state.SetUint64(tt.fp, tt.fp0)

			frames, err := f.adapter.StackTrace(0, loadTestSymbols(t), 0)
			if err != nil {
				t.Fatalf("StackTrace: %v", err)
			}
			want := []string{
				"#0 0x1010 start_kernel+0x10",
				"#1 0x1120 do_one_initcall+0x20",
				"#2 0x1208 rest_init+0x8",
			}
			if len(frames) != len(want) {
				t.Fatalf("frames = %v", frames)
			}
			for i, w := range want {
				if frames[i].String() != w {
					t.Fatalf("frame %d = %s, want %s", i, frames[i], w)
				}
			}

			frames, _ = f.adapter.StackTrace(0, nil, 2)
			if len(frames) != 2 || frames[1].String() != "#1 0x1120" {
				t.Fatalf("bounded unsymbolized trace = %v", frames)
			}
		})
	}
}

func TestStackTraceStopsOnBadFrame(t *testing.T) {
	f := newFixture(t, hv.ArchitectureX86_64)
	f.state.SetUint64(hv.RegisterAMD64Rip, 0x1010)
	f.state.SetUint64(hv.RegisterAMD64Rbp, 16<<20)

	frames, err := f.adapter.StackTrace(0, nil, 0)
	if err == nil {
		t.Fatalf("walk past the end of memory succeeded")
	}
	if len(frames) != 1 || frames[0].PC != 0x1010 {
		t.Fatalf("frames = %v", frames)
	}

	f.pause.paused = false
	if _, err := f.adapter.StackTrace(0, nil, 0); err != ErrNotPaused {
		t.Fatalf("err = %v, want ErrNotPaused", err)
	}
}
