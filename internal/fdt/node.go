// Package fdt builds and parses flattened device tree blobs (DTB v17).
package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Property holds a single device-tree property value. Exactly one of the
// typed fields is populated. Parsed blobs carry their values in Bytes (or
// Flag for empty properties) since the wire format is untyped.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

func String(v ...string) Property { return Property{Strings: v} }
func U32(v ...uint32) Property    { return Property{U32: v} }
func U64(v ...uint64) Property    { return Property{U64: v} }
func Bytes(v []byte) Property     { return Property{Bytes: v} }
func Flag() Property              { return Property{Flag: true} }

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Encode returns the big-endian wire form of the value.
func (p Property) Encode() ([]byte, error) {
	switch n := p.kinds(); {
	case n == 0:
		return nil, fmt.Errorf("property has no value")
	case n > 1:
		return nil, fmt.Errorf("property has %d value kinds", n)
	}
	var data []byte
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			if strings.IndexByte(s, 0) >= 0 {
				return nil, fmt.Errorf("string %q contains NUL", s)
			}
			data = append(data, s...)
			data = append(data, 0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
	case len(p.Bytes) > 0:
		data = append(data, p.Bytes...)
	}
	return data, nil
}

// Raw returns the encoded value, ignoring encoding errors.
func (p Property) Raw() []byte {
	data, _ := p.Encode()
	return data
}

// AsU32 decodes the value as a list of cells.
func (p Property) AsU32() ([]uint32, bool) {
	if len(p.U32) > 0 {
		return p.U32, true
	}
	raw := p.Raw()
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return out, true
}

// AsStrings decodes the value as a NUL separated string list.
func (p Property) AsStrings() ([]string, bool) {
	if len(p.Strings) > 0 {
		return p.Strings, true
	}
	raw := p.Raw()
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(raw[:len(raw)-1]), "\x00")
	for _, s := range parts {
		if s == "" {
			return nil, false
		}
		for _, r := range s {
			if r < 0x20 || r > 0x7e {
				return nil, false
			}
		}
	}
	return parts, true
}

// Format renders the value the way dtc prints it.
func (p Property) Format() string {
	raw := p.Raw()
	if len(raw) == 0 {
		return ""
	}
	if s, ok := p.AsStrings(); ok {
		return `"` + strings.Join(s, `", "`) + `"`
	}
	if cells, ok := p.AsU32(); ok {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("%#x", c)
		}
		return "<" + strings.Join(parts, " ") + ">"
	}
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Node is a device-tree node. Properties are emitted in sorted name order;
// children keep their insertion order.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

func NewNode(name string) Node {
	return Node{Name: name, Properties: make(map[string]Property)}
}

// Set stores a property and returns the node for chaining.
func (n *Node) Set(name string, p Property) *Node {
	if n.Properties == nil {
		n.Properties = make(map[string]Property)
	}
	n.Properties[name] = p
	return n
}

func (n *Node) Add(children ...Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// Lookup resolves a slash separated path relative to n.
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Walk visits n and its descendants depth first with their full paths.
func (n *Node) Walk(fn func(path string, node *Node) error) error {
	return n.walk("/", fn)
}

func (n *Node) walk(path string, fn func(string, *Node) error) error {
	if err := fn(path, n); err != nil {
		return err
	}
	for i := range n.Children {
		child := &n.Children[i]
		p := path + child.Name
		if path != "/" {
			p = path + "/" + child.Name
		}
		if err := child.walk(p, fn); err != nil {
			return err
		}
	}
	return nil
}
