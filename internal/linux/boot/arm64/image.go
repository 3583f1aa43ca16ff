package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	// imageHeaderSize is the size in bytes of the arm64 Image header as
	// documented in Documentation/arch/arm64/booting.rst.
	imageHeaderSize = 64

	// The kernel must be placed text_offset bytes from a 2 MiB aligned base.
	imageLoadAlignment = 2 << 20

	imageMagic = 0x644d5241 // "ARM\x64"

	// Kernels predating the text_offset field were linked at this offset.
	flatTextOffset = 0x80000

	// maxGzipScan bounds how far into the image we search for a gzip payload
	// when the file starts with a self-decompression stub.
	maxGzipScan = 1 << 20

	// maxDecompressed bounds the inflated Image.
	maxDecompressed = 512 << 20
)

var gzipMagic = []byte{0x1f, 0x8b}

// KernelHeader describes the 64-byte header at the start of every
// decompressed arm64 Image.
type KernelHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32
	Res5       uint32
}

// EntryPoint returns the address the CPU jumps to for a kernel loaded at the
// 2 MiB aligned base.
func (h KernelHeader) EntryPoint(base hv.GuestAddress) (hv.GuestAddress, error) {
	if !base.IsAligned(imageLoadAlignment) {
		return 0, fmt.Errorf("arm64 kernel base must be 2 MiB aligned (got %s)", base)
	}
	return base.Add(h.TextOffset), nil
}

// Kernel is a probed arm64 kernel ready for placement.
type Kernel struct {
	Protocol   machine.Protocol
	Compressed bool
	// CompressedOffset is where the gzip stream starts inside the file.
	CompressedOffset int
	Header           KernelHeader
	payload          []byte
}

func (k *Kernel) Payload() []byte { return k.payload }

// LoadSize is the number of bytes the kernel occupies once loaded,
// including its bss.
func (k *Kernel) LoadSize() uint64 {
	return max(k.Header.ImageSize, uint64(len(k.payload)))
}

func malformed(format string, args ...any) error {
	return hv.EncodingError(hv.ErrMalformedImage, "probe kernel", 0, 0).WithDetail(format, args...)
}

// ProbeKernel recognises a raw Image, a gzip compressed Image (optionally
// behind a decompression stub) or falls back to a flat binary.
func ProbeKernel(data []byte) (*Kernel, error) {
	if len(data) == 0 {
		return nil, malformed("kernel image is empty")
	}

	if h, err := parseKernelHeader(data); err == nil {
		return &Kernel{Protocol: machine.ProtocolImage, Header: h, payload: data}, nil
	}

	if off, ok := findGzipPayload(data); ok {
		payload, err := decompress(data[off:])
		if err == nil {
			h, herr := parseKernelHeader(payload)
			if herr == nil {
				return &Kernel{
					Protocol:         machine.ProtocolImage,
					Compressed:       true,
					CompressedOffset: off,
					Header:           h,
					payload:          payload,
				}, nil
			}
			err = herr
		}
		if errors.Is(err, hv.ErrImageTooLarge) {
			return nil, err
		}
		// A stream at offset zero is unambiguous; past a stub the bytes may
		// simply be code that happens to contain the magic.
		if off == 0 {
			return nil, malformed("gzip Image: %v", err)
		}
	}

	return &Kernel{
		Protocol: machine.ProtocolFlat,
		Header:   KernelHeader{TextOffset: flatTextOffset},
		payload:  data,
	}, nil
}

func parseKernelHeader(header []byte) (KernelHeader, error) {
	if len(header) < imageHeaderSize {
		return KernelHeader{}, fmt.Errorf("arm64 kernel header truncated: got %d bytes", len(header))
	}

	le := binary.LittleEndian
	h := KernelHeader{
		Code0:      le.Uint32(header[0:4]),
		Code1:      le.Uint32(header[4:8]),
		TextOffset: le.Uint64(header[8:16]),
		ImageSize:  le.Uint64(header[16:24]),
		Flags:      le.Uint64(header[24:32]),
		Res2:       le.Uint64(header[32:40]),
		Res3:       le.Uint64(header[40:48]),
		Res4:       le.Uint64(header[48:56]),
		Magic:      le.Uint32(header[56:60]),
		Res5:       le.Uint32(header[60:64]),
	}
	if h.Magic != imageMagic {
		return KernelHeader{}, fmt.Errorf("invalid arm64 kernel magic %#x", h.Magic)
	}
	return h, nil
}

func findGzipPayload(data []byte) (int, bool) {
	scan := data[:min(len(data), maxGzipScan)]
	idx := bytes.Index(scan, gzipMagic)
	return idx, idx >= 0
}

func decompress(stream []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()
	// Trailing bytes after the first member are not another stream.
	gz.Multistream(false)

	data, err := io.ReadAll(io.LimitReader(gz, maxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("decompress arm64 image: %w", err)
	}
	if len(data) > maxDecompressed {
		return nil, hv.EncodingError(hv.ErrImageTooLarge, "probe kernel", uint64(len(data)), maxDecompressed).
			WithDetail("decompressed Image")
	}
	return data, nil
}
