package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize      = 0x28
	version         = 17
	lastCompVersion = 16
	magic           = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Version is the DTB format revision produced by this package.
const Version = version

// Reservation is one entry of the memory reservation block.
type Reservation struct {
	Address uint64
	Size    uint64
}

// Builder streams nodes and properties into a structure block. Nodes must
// be balanced before Finish.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	depth     int
	err       error
}

func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

func (b *Builder) BeginNode(name string) {
	b.depth++
	b.u32(tokenBeginNode)
	b.padded(append([]byte(name), 0))
}

func (b *Builder) EndNode() {
	if b.depth == 0 {
		b.fail(fmt.Errorf("fdt: EndNode without matching BeginNode"))
		return
	}
	b.depth--
	b.u32(tokenEndNode)
}

// Property appends a raw property to the current node.
func (b *Builder) Property(name string, value []byte) {
	if b.depth == 0 {
		b.fail(fmt.Errorf("fdt: property %q outside a node", name))
		return
	}
	b.u32(tokenProp)
	b.u32(uint32(len(value)))
	b.u32(b.stringOffset(name))
	b.padded(value)
}

func (b *Builder) PropertyU32(name string, v ...uint32) { b.Property(name, U32(v...).Raw()) }
func (b *Builder) PropertyU64(name string, v ...uint64) { b.Property(name, U64(v...).Raw()) }
func (b *Builder) PropertyString(name string, v ...string) {
	b.Property(name, String(v...).Raw())
}
func (b *Builder) PropertyEmpty(name string) { b.Property(name, nil) }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Finish terminates the structure block and assembles the blob. A non-zero
// limit bounds the total size.
func (b *Builder) Finish(reserve []Reservation, limit int) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.depth != 0 {
		return nil, fmt.Errorf("fdt: %d nodes left open", b.depth)
	}
	b.u32(tokenEnd)

	rsvSize := (len(reserve) + 1) * 16
	offRsv := headerSize
	offStruct := offRsv + rsvSize
	offStrings := offStruct + len(b.structure)
	total := offStrings + len(b.strings)
	if limit > 0 && total > limit {
		return nil, &SizeError{Size: total, Limit: limit}
	}

	blob := make([]byte, total)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:], magic)
	binary.BigEndian.PutUint32(h[4:], uint32(total))
	binary.BigEndian.PutUint32(h[8:], uint32(offStruct))
	binary.BigEndian.PutUint32(h[12:], uint32(offStrings))
	binary.BigEndian.PutUint32(h[16:], uint32(offRsv))
	binary.BigEndian.PutUint32(h[20:], version)
	binary.BigEndian.PutUint32(h[24:], lastCompVersion)
	binary.BigEndian.PutUint32(h[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(h[32:], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(h[36:], uint32(len(b.structure)))

	for i, r := range reserve {
		binary.BigEndian.PutUint64(blob[offRsv+i*16:], r.Address)
		binary.BigEndian.PutUint64(blob[offRsv+i*16+8:], r.Size)
	}
	// The terminating reservation entry is already zero.
	copy(blob[offStruct:], b.structure)
	copy(blob[offStrings:], b.strings)
	return blob, nil
}

// SizeError reports a blob that does not fit its destination.
type SizeError struct {
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("fdt: blob is %d bytes, limit %d", e.Size, e.Limit)
}

func (b *Builder) u32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) padded(data []byte) {
	b.structure = append(b.structure, data...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
