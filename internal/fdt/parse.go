package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("fdt: malformed blob")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse decodes a DTB blob. Property values are returned as raw bytes.
func Parse(blob []byte) (Node, []Reservation, error) {
	if len(blob) < headerSize {
		return Node{}, nil, malformed("short header")
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != magic {
		return Node{}, nil, malformed("bad magic %#x", be.Uint32(blob[0:]))
	}
	total := int(be.Uint32(blob[4:]))
	if total > len(blob) || total < headerSize {
		return Node{}, nil, malformed("totalsize %d, have %d bytes", total, len(blob))
	}
	blob = blob[:total]
	if v := be.Uint32(blob[24:]); v > version {
		return Node{}, nil, malformed("last compatible version %d", v)
	}

	offStruct := int(be.Uint32(blob[8:]))
	offStrings := int(be.Uint32(blob[12:]))
	offRsv := int(be.Uint32(blob[16:]))
	sizeStrings := int(be.Uint32(blob[32:]))
	sizeStruct := int(be.Uint32(blob[36:]))
	if offStruct+sizeStruct > total || offStrings+sizeStrings > total || offRsv > total {
		return Node{}, nil, malformed("block outside blob")
	}

	var reserve []Reservation
	for off := offRsv; ; off += 16 {
		if off+16 > total {
			return Node{}, nil, malformed("unterminated reservation map")
		}
		r := Reservation{Address: be.Uint64(blob[off:]), Size: be.Uint64(blob[off+8:])}
		if r.Address == 0 && r.Size == 0 {
			break
		}
		reserve = append(reserve, r)
	}

	p := &parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	tok, err := p.token()
	if err != nil {
		return Node{}, nil, err
	}
	if tok != tokenBeginNode {
		return Node{}, nil, malformed("structure starts with token %#x", tok)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, nil, err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, nil, err
		}
		if tok == tokenNop {
			continue
		}
		if tok != tokenEnd {
			return Node{}, nil, malformed("trailing token %#x", tok)
		}
		break
	}
	return root, reserve, nil
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, malformed("structure block truncated")
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) align() { p.off = (p.off + 3) &^ 3 }

func (p *parser) cstring(buf []byte, off int) (string, error) {
	if off < 0 || off >= len(buf) {
		return "", malformed("string offset %d out of range", off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", malformed("unterminated string")
	}
	return string(buf[off : off+end]), nil
}

// node parses a node body after its BEGIN_NODE token.
func (p *parser) node() (Node, error) {
	name, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off += len(name) + 1
	p.align()

	n := NewNode(name)
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProp:
			if p.off+8 > len(p.data) {
				return Node{}, malformed("property header truncated")
			}
			length := int(binary.BigEndian.Uint32(p.data[p.off:]))
			nameOff := int(binary.BigEndian.Uint32(p.data[p.off+4:]))
			p.off += 8
			if length < 0 || p.off+length > len(p.data) {
				return Node{}, malformed("property value truncated")
			}
			pname, err := p.cstring(p.strings, nameOff)
			if err != nil {
				return Node{}, err
			}
			if length == 0 {
				n.Set(pname, Flag())
			} else {
				n.Set(pname, Bytes(append([]byte(nil), p.data[p.off:p.off+length]...)))
			}
			p.off += length
			p.align()
		case tokenBeginNode:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Add(child)
		case tokenEndNode:
			return n, nil
		case tokenNop:
		default:
			return Node{}, malformed("unexpected token %#x", tok)
		}
	}
}
