package amd64

import (
	"encoding/binary"

	"github.com/tinyrange/vmboot/internal/hv"
)

const (
	gdtEntries = 5

	codeSelector = 0x10
	dataSelector = 0x18
	tssSelector  = 0x20

	pageMapSize    = 0x1000
	identityPDs    = 4
	pdePresent     = 1 << 0
	pdeWritable    = 1 << 1
	pdeLargePage   = 1 << 7
	largePageShift = 21
)

// gdtEntry packs a segment descriptor. flags holds the access byte in bits
// 0-7 and the granularity nibble in bits 12-15.
func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return uint64(base&0xff000000)<<32 |
		uint64(base&0x00ffffff)<<16 |
		uint64(limit&0x0000ffff) |
		uint64(limit&0x000f0000)<<32 |
		uint64(flags)<<40
}

// bootGDT is null, null, 64-bit code, data and a TSS so the selectors match
// the ones the kernel's startup_64 expects.
func bootGDT() [gdtEntries]uint64 {
	return [gdtEntries]uint64{
		0,
		0,
		gdtEntry(0xa09b, 0, 0xfffff),
		gdtEntry(0xc093, 0, 0xfffff),
		gdtEntry(0x808b, 0, 0xfffff),
	}
}

// segmentFromGDT expands a descriptor into the hidden segment register
// state.
func segmentFromGDT(entry uint64, index int) hv.Segment {
	limit := uint32(entry&0xffff) | uint32((entry>>48)&0xf)<<16
	g := uint8((entry >> 55) & 1)
	if g == 1 {
		limit = limit<<12 | 0xfff
	}
	present := uint8((entry >> 47) & 1)
	seg := hv.Segment{
		Base:     (entry>>16)&0xffffff | ((entry>>56)&0xff)<<24,
		Limit:    limit,
		Selector: uint16(index * 8),
		Type:     uint8((entry >> 40) & 0xf),
		S:        uint8((entry >> 44) & 1),
		DPL:      uint8((entry >> 45) & 3),
		Present:  present,
		AVL:      uint8((entry >> 52) & 1),
		L:        uint8((entry >> 53) & 1),
		DB:       uint8((entry >> 54) & 1),
		G:        g,
	}
	if present == 0 {
		seg.Unusable = 1
	}
	return seg
}

func encodeGDT() []byte {
	gdt := bootGDT()
	out := make([]byte, 0, len(gdt)*8)
	for _, e := range gdt {
		out = binary.LittleEndian.AppendUint64(out, e)
	}
	return out
}

// encodePageTables identity maps the first 4 GiB with 2 MiB pages: one
// PML4, one PDPT and a page directory per GiB.
func encodePageTables() []byte {
	out := make([]byte, pageTablesEnd-pml4Addr)
	le := binary.LittleEndian
	le.PutUint64(out[0:], pdptAddr|pdePresent|pdeWritable)

	pdpt := out[pdptAddr-pml4Addr:]
	for i := range identityPDs {
		le.PutUint64(pdpt[i*8:], uint64(pdAddr+i*pageMapSize)|pdePresent|pdeWritable)
		pd := out[pdAddr-pml4Addr+i*pageMapSize:]
		for j := range 512 {
			page := uint64(i*512+j) << largePageShift
			le.PutUint64(pd[j*8:], page|pdePresent|pdeWritable|pdeLargePage)
		}
	}
	return out
}
