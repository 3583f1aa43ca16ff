package fdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/vmboot/internal/hv"
)

// Build serializes the node tree into a DTB blob with an empty reservation
// map.
func Build(root Node) ([]byte, error) {
	return BuildLimit(root, nil, 0)
}

// BuildLimit serializes root and fails with hv.ErrTableOverflow when the
// blob would exceed limit bytes. A limit of zero means unbounded.
func BuildLimit(root Node, reserve []Reservation, limit int) ([]byte, error) {
	b := NewBuilder()
	if err := emitNode(b, root); err != nil {
		return nil, err
	}
	blob, err := b.Finish(reserve, limit)
	if err != nil {
		var size *SizeError
		if errors.As(err, &size) {
			return nil, hv.EncodingError(hv.ErrTableOverflow, "build fdt", uint64(size.Size), uint64(size.Limit))
		}
		return nil, err
	}
	return blob, nil
}

func emitNode(b *Builder, n Node) error {
	b.BeginNode(n.Name)

	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		data, err := n.Properties[name].Encode()
		if err != nil {
			return fmt.Errorf("fdt: node %q property %q: %w", n.Name, name, err)
		}
		b.Property(name, data)
	}

	for _, child := range n.Children {
		if err := emitNode(b, child); err != nil {
			return err
		}
	}

	b.EndNode()
	return nil
}
