package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AML opcodes used by the DSDT.
const (
	amlZeroOp     = 0x00
	amlOneOp      = 0x01
	amlNameOp     = 0x08
	amlBytePrefix = 0x0a
	amlWordPrefix = 0x0b
	amlDWordPrefx = 0x0c
	amlStringPfx  = 0x0d
	amlQWordPfx   = 0x0e
	amlScopeOp    = 0x10
	amlBufferOp   = 0x11
	amlPackageOp  = 0x12
	amlExtOpPfx   = 0x5b
	amlDeviceOp   = 0x82
)

// pkgLength encodes an AML PkgLength for a body of bodyLen bytes. The
// encoded value counts the PkgLength bytes themselves.
func pkgLength(bodyLen int) []byte {
	switch {
	case bodyLen+1 <= 0x3f:
		return []byte{byte(bodyLen + 1)}
	case bodyLen+2 <= 0xfff:
		n := bodyLen + 2
		return []byte{1<<6 | byte(n&0xf), byte(n >> 4)}
	case bodyLen+3 <= 0xfffff:
		n := bodyLen + 3
		return []byte{2<<6 | byte(n&0xf), byte(n >> 4), byte(n >> 12)}
	default:
		n := bodyLen + 4
		return []byte{3<<6 | byte(n&0xf), byte(n >> 4), byte(n >> 12), byte(n >> 20)}
	}
}

// wrapPkg emits an AML opcode with a computed PkgLength and body.
func wrapPkg(body []byte, opcode ...byte) []byte {
	out := append([]byte(nil), opcode...)
	out = append(out, pkgLength(len(body))...)
	return append(out, body...)
}

func amlInteger(v uint64) []byte {
	switch {
	case v == 0:
		return []byte{amlZeroOp}
	case v == 1:
		return []byte{amlOneOp}
	case v <= 0xff:
		return []byte{amlBytePrefix, byte(v)}
	case v <= 0xffff:
		return binary.LittleEndian.AppendUint16([]byte{amlWordPrefix}, uint16(v))
	case v <= 0xffffffff:
		return binary.LittleEndian.AppendUint32([]byte{amlDWordPrefx}, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64([]byte{amlQWordPfx}, v)
	}
}

func amlString(s string) []byte {
	out := append([]byte{amlStringPfx}, s...)
	return append(out, 0)
}

// nameSeg pads an ACPI name to four characters.
func nameSeg(name string) []byte {
	if len(name) > 4 {
		panic(fmt.Sprintf("acpi: name %q longer than four characters", name))
	}
	seg := []byte("____")
	copy(seg, name)
	return seg
}

func amlName(name string, value []byte) []byte {
	out := append([]byte{amlNameOp}, nameSeg(name)...)
	return append(out, value...)
}

func amlPackage(elems ...[]byte) []byte {
	body := []byte{byte(len(elems))}
	for _, e := range elems {
		body = append(body, e...)
	}
	return wrapPkg(body, amlPackageOp)
}

func amlBuffer(data []byte) []byte {
	body := append(amlInteger(uint64(len(data))), data...)
	return wrapPkg(body, amlBufferOp)
}

func amlDevice(name string, body ...[]byte) []byte {
	inner := nameSeg(name)
	for _, b := range body {
		inner = append(inner, b...)
	}
	return wrapPkg(inner, amlExtOpPfx, amlDeviceOp)
}

func amlScope(path string, body ...[]byte) []byte {
	inner := []byte(path)
	for _, b := range body {
		inner = append(inner, b...)
	}
	return wrapPkg(inner, amlScopeOp)
}

// resourceTemplate builds a _CRS buffer from resource descriptors and
// appends the end tag.
type resourceTemplate struct {
	buf bytes.Buffer
}

func (r *resourceTemplate) io(base uint16, length uint8) {
	r.buf.WriteByte(0x47) // I/O port descriptor, 16-bit decode
	r.buf.WriteByte(0x01)
	binary.Write(&r.buf, binary.LittleEndian, base)
	binary.Write(&r.buf, binary.LittleEndian, base)
	r.buf.WriteByte(0x00)
	r.buf.WriteByte(length)
}

func (r *resourceTemplate) irq(line uint8) {
	r.buf.WriteByte(0x22) // IRQNoFlags
	binary.Write(&r.buf, binary.LittleEndian, uint16(1)<<line)
}

func (r *resourceTemplate) memory32Fixed(base, size uint32) {
	r.buf.Write([]byte{0x86, 0x09, 0x00, 0x01})
	binary.Write(&r.buf, binary.LittleEndian, base)
	binary.Write(&r.buf, binary.LittleEndian, size)
}

// extendedInterrupt emits a consumer, edge triggered, active high,
// exclusive interrupt.
func (r *resourceTemplate) extendedInterrupt(gsi uint32) {
	r.buf.Write([]byte{0x89, 0x06, 0x00, 0x03, 0x01})
	binary.Write(&r.buf, binary.LittleEndian, gsi)
}

func (r *resourceTemplate) wordBusNumber(start, end uint8) {
	r.buf.Write([]byte{0x88, 0x0d, 0x00, 0x02, 0x0c, 0x00})
	for _, v := range []uint16{0, uint16(start), uint16(end), 0, uint16(end) - uint16(start) + 1} {
		binary.Write(&r.buf, binary.LittleEndian, v)
	}
}

func (r *resourceTemplate) dwordMemory(base, size uint32) {
	r.buf.Write([]byte{0x87, 0x17, 0x00, 0x00, 0x0c, 0x01})
	for _, v := range []uint32{0, base, base + size - 1, 0, size} {
		binary.Write(&r.buf, binary.LittleEndian, v)
	}
}

func (r *resourceTemplate) bytes() []byte {
	out := append([]byte(nil), r.buf.Bytes()...)
	return append(out, 0x79, 0x00)
}
