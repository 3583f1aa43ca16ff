package amd64

import (
	"encoding/binary"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201

	// bzImageEntryOffset is the 64-bit entry relative to the load address.
	bzImageEntryOffset = 0x200
)

type SetupHeader struct {
	ProtocolVersion   uint16
	SetupSectors      uint8
	LoadFlags         uint8
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PayloadOffset     uint32
	PayloadLength     uint32
	PrefAddress       uint64
	InitSize          uint32
}

func parseBzImage(data []byte) (*Kernel, error) {
	if len(data) < setupHeaderEnd {
		return nil, malformed("image of %d bytes is shorter than the setup header", len(data))
	}

	headerEnd := headerMagicOffset + int(data[headerLengthOffset])
	if headerEnd > len(data) {
		return nil, malformed("setup header extends past end of image")
	}
	if headerEnd <= setupHeaderOffset {
		return nil, malformed("invalid setup header length")
	}

	le := binary.LittleEndian
	var hdr SetupHeader
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = le.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.InitrdAddrMax = le.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = le.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = le.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = le.Uint32(data[cmdlineSizeOffset:])
	hdr.PayloadOffset = le.Uint32(data[payloadOffsetOffset:])
	hdr.PayloadLength = le.Uint32(data[payloadLengthOffset:])
	hdr.PrefAddress = le.Uint64(data[prefAddressOffset:])
	hdr.InitSize = le.Uint32(data[initSizeOffset:])

	version := protocolVersion(hdr.ProtocolVersion)
	if semver.Compare(version, minProtocol) < 0 {
		return nil, malformed("boot protocol %s is older than %s", version, minProtocol)
	}
	if hdr.XLoadFlags&xlfKernel64 == 0 {
		return nil, malformed("kernel does not advertise 64-bit entry (XLF_KERNEL_64)")
	}

	payloadOffset := 512 * (1 + int(hdr.SetupSectors))
	if payloadOffset >= len(data) {
		return nil, malformed("payload offset %d exceeds image size %d", payloadOffset, len(data))
	}

	return &Kernel{
		Protocol:    machine.ProtocolBzImage,
		Version:     version,
		Header:      hdr,
		HeaderBytes: append([]byte(nil), data[setupHeaderOffset:headerEnd]...),
		payload:     data[payloadOffset:],
	}, nil
}
