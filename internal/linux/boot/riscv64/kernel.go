package riscv64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	imageHeaderSize    = 64
	imageLoadAlignment = 2 << 20

	magicOffset  = 0x30
	magic2Offset = 0x38

	// Kernels without a header are linked to run right after the SBI
	// firmware.
	flatTextOffset = 0x200000

	maxDecompressed = 512 << 20
)

var (
	imageMagic  = []byte("RISCV\x00\x00\x00")
	imageMagic2 = []byte("RSC\x05")
)

// Header is the 64-byte RISC-V Image header.
type Header struct {
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	// Version is major<<16 | minor.
	Version uint32
}

// Kernel represents a RISC-V Linux kernel image. RISC-V kernels are either
// an Image with a header or a flat binary, optionally gzip compressed.
type Kernel struct {
	Protocol   machine.Protocol
	Compressed bool
	Header     Header
	payload    []byte
}

// Payload returns the raw kernel bytes.
func (k *Kernel) Payload() []byte { return k.payload }

func (k *Kernel) LoadSize() uint64 {
	return max(k.Header.ImageSize, uint64(len(k.payload)))
}

// VersionString renders the header version as "vMAJOR.MINOR".
func (k *Kernel) VersionString() string {
	if k.Protocol != machine.ProtocolImage {
		return ""
	}
	return fmt.Sprintf("v%d.%d", k.Header.Version>>16, k.Header.Version&0xffff)
}

func malformed(format string, args ...any) error {
	return hv.EncodingError(hv.ErrMalformedImage, "probe kernel", 0, 0).WithDetail(format, args...)
}

// ProbeKernel inspects a RISC-V kernel. Gzip streams are recognised at the
// start of the file only.
func ProbeKernel(data []byte) (*Kernel, error) {
	if len(data) == 0 {
		return nil, malformed("kernel image is empty")
	}

	compressed := false
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		decompressed, err := decompressGzip(data)
		if err != nil {
			return nil, err
		}
		if len(decompressed) == 0 {
			return nil, malformed("gzip stream is empty")
		}
		data, compressed = decompressed, true
	}

	if h, ok := parseHeader(data); ok {
		return &Kernel{Protocol: machine.ProtocolImage, Compressed: compressed, Header: h, payload: data}, nil
	}
	return &Kernel{
		Protocol:   machine.ProtocolFlat,
		Compressed: compressed,
		Header:     Header{TextOffset: flatTextOffset},
		payload:    data,
	}, nil
}

func parseHeader(data []byte) (Header, bool) {
	if len(data) < imageHeaderSize {
		return Header{}, false
	}
	if !bytes.Equal(data[magicOffset:magicOffset+8], imageMagic) || !bytes.Equal(data[magic2Offset:magic2Offset+4], imageMagic2) {
		return Header{}, false
	}
	le := binary.LittleEndian
	return Header{
		TextOffset: le.Uint64(data[8:16]),
		ImageSize:  le.Uint64(data[16:24]),
		Flags:      le.Uint64(data[24:32]),
		Version:    le.Uint32(data[32:36]),
	}, true
}

// decompressGzip decompresses a gzip-compressed byte slice.
func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, malformed("gzip header: %v", err)
	}
	defer reader.Close()
	reader.Multistream(false)

	out, err := io.ReadAll(io.LimitReader(reader, maxDecompressed+1))
	if err != nil {
		return nil, malformed("decompress kernel: %v", err)
	}
	if len(out) > maxDecompressed {
		return nil, hv.EncodingError(hv.ErrImageTooLarge, "probe kernel", uint64(len(out)), maxDecompressed).
			WithDetail("decompressed kernel")
	}
	return out, nil
}
