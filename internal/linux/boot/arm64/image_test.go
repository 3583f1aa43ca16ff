package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

func TestKernelHeaderEntryPointUsesTextOffset(t *testing.T) {
	hdr := KernelHeader{TextOffset: 0x400000}
	entry, err := hdr.EntryPoint(0)
	if err != nil {
		t.Fatalf("EntryPoint returned error: %v", err)
	}
	if entry != 0x400000 {
		t.Fatalf("EntryPoint = %s, want %#x", entry, hdr.TextOffset)
	}
}

func TestKernelHeaderEntryPointRequiresAlignment(t *testing.T) {
	hdr := KernelHeader{TextOffset: 0x100000}
	if _, err := hdr.EntryPoint(0x1000); err == nil {
		t.Fatalf("EntryPoint on unaligned base expected error")
	}
}

func TestProbeKernelParsesRawImageHeader(t *testing.T) {
	const textOffset = 0x80000
	img := buildTestHeader(t, textOffset)

	k, err := ProbeKernel(img)
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolImage || k.Compressed {
		t.Fatalf("protocol = %s compressed = %v", k.Protocol, k.Compressed)
	}
	if k.Header.TextOffset != textOffset {
		t.Fatalf("TextOffset = %#x, want %#x", k.Header.TextOffset, textOffset)
	}
	if !bytes.Equal(k.Payload(), img) {
		t.Fatalf("payload does not match original raw image")
	}
}

func TestProbeKernelDetectsGzipCompression(t *testing.T) {
	const textOffset = 0x200000
	raw := buildTestHeader(t, textOffset)

	k, err := ProbeKernel(gzipBytes(t, raw))
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if !k.Compressed {
		t.Fatalf("Compressed = false for gzip Image")
	}
	if k.CompressedOffset != 0 {
		t.Fatalf("CompressedOffset = %d, want 0 for gzip-without-stub", k.CompressedOffset)
	}
	if k.Header.TextOffset != textOffset {
		t.Fatalf("TextOffset = %#x, want %#x", k.Header.TextOffset, textOffset)
	}
	if !bytes.Equal(k.Payload(), raw) {
		t.Fatalf("decompressed payload mismatch")
	}
}

func TestProbeKernelDetectsGzipAfterStub(t *testing.T) {
	const (
		textOffset = 0x100000
		stubSize   = 96
	)
	raw := buildTestHeader(t, textOffset)
	image := append(bytes.Repeat([]byte{0xaa}, stubSize), gzipBytes(t, raw)...)
	// Trailing bytes after the stream must not break decompression.
	image = append(image, 0, 0, 0, 0)

	k, err := ProbeKernel(image)
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if !k.Compressed {
		t.Fatalf("Compressed = false for stubbed gzip Image")
	}
	if k.CompressedOffset != stubSize {
		t.Fatalf("CompressedOffset = %d, want %d", k.CompressedOffset, stubSize)
	}
	if !bytes.Equal(k.Payload(), raw) {
		t.Fatalf("decompressed payload mismatch")
	}
}

func TestProbeKernelFallsBackToFlat(t *testing.T) {
	k, err := ProbeKernel([]byte{0x00, 0x00, 0x00, 0x14})
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolFlat || k.Header.TextOffset != flatTextOffset {
		t.Fatalf("flat probe = %s text_offset %#x", k.Protocol, k.Header.TextOffset)
	}
}

func TestProbeKernelRejectsMalformedImages(t *testing.T) {
	for name, img := range map[string][]byte{
		"empty":        nil,
		"corrupt gzip": {0x1f, 0x8b, 0x08, 0x00, 0xde, 0xad},
		"gzip of junk": gzipBytes(t, bytes.Repeat([]byte{0x11}, 128)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ProbeKernel(img)
			if !errors.Is(err, hv.ErrMalformedImage) {
				t.Fatalf("err = %v, want ErrMalformedImage", err)
			}
			if class, _ := hv.ClassOf(err); class != hv.ClassEncoding {
				t.Fatalf("class = %v", class)
			}
		})
	}
}

func TestProbeKernelWithLocalKernel(t *testing.T) {
	kernelPath := filepath.Join("local", "vmlinux_arm64")
	data, err := os.ReadFile(kernelPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Skipf("%s not present: %v", kernelPath, err)
		}
		t.Fatalf("read kernel: %v", err)
	}

	k, err := ProbeKernel(data)
	if err != nil {
		t.Fatalf("ProbeKernel(local) returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolImage {
		t.Fatalf("protocol = %s, want image", k.Protocol)
	}
	if k.Header.ImageSize == 0 {
		t.Fatalf("ImageSize = 0, want non-zero")
	}
	payload := k.Payload()
	if !bytes.Equal(payload[56:60], []byte{'A', 'R', 'M', 'd'}) {
		t.Fatalf("payload magic mismatch: got %q", payload[56:60])
	}
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func buildTestHeader(t *testing.T, textOffset uint64) []byte {
	t.Helper()
	return buildTestImage(t, textOffset, 0x200000, imageHeaderSize)
}

func buildTestImage(t *testing.T, textOffset, imageSize uint64, fileSize int) []byte {
	t.Helper()

	header := make([]byte, max(fileSize, imageHeaderSize))
	binary.LittleEndian.PutUint32(header[0:4], 0x91005a4d) // add x13, x18, #0x16
	binary.LittleEndian.PutUint32(header[4:8], 0x14000000) // b stext
	binary.LittleEndian.PutUint64(header[8:16], textOffset)
	binary.LittleEndian.PutUint64(header[16:24], imageSize)
	binary.LittleEndian.PutUint32(header[56:60], imageMagic)
	return header
}
