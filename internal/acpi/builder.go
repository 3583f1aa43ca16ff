package acpi

import (
	"encoding/binary"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	headerSize = 36
	rsdpSize   = 36
	tableAlign = 16
)

// table is one entry of the arena. encode is called twice: once with every
// address zero to learn the size, then with the final addresses.
type table struct {
	sig      string
	revision uint8
	oemTable string
	kind     machine.TableKind
	encode   func(a *arena) []byte
}

// arena assigns each table an address inside the table region, lowest
// first, before any table is serialized.
type arena struct {
	base  hv.GuestAddress
	limit uint64
	addrs map[string]hv.GuestAddress
}

func (a *arena) addr(sig string) uint64 { return uint64(a.addrs[sig]) }

// reserve lays the tables out back to back using their pass-one sizes.
func (a *arena) reserve(tables []table, sizes []int) error {
	cursor := a.base
	for i, t := range tables {
		cursor = cursor.AlignUp(tableAlign)
		a.addrs[t.sig] = cursor
		cursor = cursor.Add(uint64(sizes[i]))
	}
	if used := uint64(cursor - a.base); used > a.limit {
		return hv.EncodingError(hv.ErrTableOverflow, "build acpi", used, a.limit)
	}
	return nil
}

// sdt wraps body in a system description table header and fills the length
// and checksum from the final bytes.
func sdt(sig string, revision uint8, oemTable string, oem OEMInfo, body []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], sig)
	out[8] = revision
	copy(out[10:16], oem.OEMID[:])
	id := oem.OEMTableID
	if oemTable != "" {
		id = [8]byte{}
		copy(id[:], oemTable)
	}
	copy(out[16:24], id[:])
	binary.LittleEndian.PutUint32(out[24:28], oem.OEMRevision)
	copy(out[28:32], oem.CreatorID[:])
	binary.LittleEndian.PutUint32(out[32:36], oem.CreatorRevision)
	out = append(out, body...)

	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)))
	out[9] = machine.Checksum(out)
	return out
}

// build runs both passes and returns the tables in address order.
func build(region hv.GuestAddress, size uint64, tables []table) ([]machine.FirmwareTable, error) {
	a := &arena{base: region, limit: size, addrs: make(map[string]hv.GuestAddress)}

	sizes := make([]int, len(tables))
	for i, t := range tables {
		sizes[i] = len(t.encode(a))
	}
	if err := a.reserve(tables, sizes); err != nil {
		return nil, err
	}

	out := make([]machine.FirmwareTable, 0, len(tables))
	for i, t := range tables {
		data := t.encode(a)
		if len(data) != sizes[i] {
			return nil, hv.EncodingError(hv.ErrTableOverflow, "build acpi", uint64(len(data)), uint64(sizes[i])).
				WithDetail("table %s changed size between passes", t.sig)
		}
		out = append(out, machine.FirmwareTable{
			Name:     t.sig,
			Revision: t.revision,
			Kind:     t.kind,
			Address:  a.addrs[t.sig],
			Data:     data,
		})
	}
	return out, nil
}
