package riscv64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

func TestProbeKernelParsesImageHeader(t *testing.T) {
	img := buildTestImage(t, 0x200000, 0x400000, 0x1000)

	k, err := ProbeKernel(img)
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolImage || k.Compressed {
		t.Fatalf("protocol = %s compressed = %v", k.Protocol, k.Compressed)
	}
	if k.Header.TextOffset != 0x200000 || k.Header.ImageSize != 0x400000 {
		t.Fatalf("header = %+v", k.Header)
	}
	if k.LoadSize() != 0x400000 {
		t.Fatalf("LoadSize = %#x", k.LoadSize())
	}
	if v := k.VersionString(); v != "v0.2" {
		t.Fatalf("VersionString = %q, want v0.2", v)
	}
}

func TestProbeKernelDecompressesGzip(t *testing.T) {
	raw := buildTestImage(t, 0x200000, 0x200000, 0x800)
	k, err := ProbeKernel(gzipBytes(t, raw))
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolImage || !k.Compressed {
		t.Fatalf("protocol = %s compressed = %v", k.Protocol, k.Compressed)
	}
	if !bytes.Equal(k.Payload(), raw) {
		t.Fatalf("decompressed payload mismatch")
	}

	flat := []byte("\x13\x00\x00\x00flat kernel body")
	k, err = ProbeKernel(gzipBytes(t, flat))
	if err != nil {
		t.Fatalf("ProbeKernel(gzip flat) returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolFlat || !k.Compressed {
		t.Fatalf("protocol = %s compressed = %v", k.Protocol, k.Compressed)
	}
}

func TestProbeKernelFallsBackToFlat(t *testing.T) {
	k, err := ProbeKernel(make([]byte, 128))
	if err != nil {
		t.Fatalf("ProbeKernel returned error: %v", err)
	}
	if k.Protocol != machine.ProtocolFlat || k.Header.TextOffset != flatTextOffset {
		t.Fatalf("kernel = %+v", k)
	}
	if k.VersionString() != "" {
		t.Fatalf("flat kernel has a version")
	}
}

func TestProbeKernelRejectsMalformedImages(t *testing.T) {
	corrupt := gzipBytes(t, bytes.Repeat([]byte{1}, 256))
	corrupt = corrupt[:len(corrupt)/2]

	for name, data := range map[string][]byte{
		"empty":     nil,
		"truncated": corrupt,
		"header":    {0x1f, 0x8b, 0x08},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ProbeKernel(data)
			if !errors.Is(err, hv.ErrMalformedImage) {
				t.Fatalf("err = %v, want ErrMalformedImage", err)
			}
			if c, _ := hv.ClassOf(err); c != hv.ClassEncoding {
				t.Fatalf("class = %s", c)
			}
		})
	}

	if _, err := ProbeKernel(gzipBytes(t, nil)); !errors.Is(err, hv.ErrMalformedImage) {
		t.Fatalf("empty gzip: err = %v", err)
	}
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// buildTestImage returns fileSize bytes starting with an Image header.
func buildTestImage(t *testing.T, textOffset, imageSize uint64, fileSize int) []byte {
	t.Helper()
	if fileSize < imageHeaderSize {
		t.Fatalf("file size %d smaller than header", fileSize)
	}
	img := make([]byte, fileSize)
	le := binary.LittleEndian
	le.PutUint32(img[0:4], 0x0000006f) // j .
	le.PutUint64(img[8:16], textOffset)
	le.PutUint64(img[16:24], imageSize)
	le.PutUint32(img[32:36], 2)
	copy(img[magicOffset:], imageMagic)
	copy(img[magic2Offset:], imageMagic2)
	for i := imageHeaderSize; i < fileSize; i++ {
		img[i] = byte(i)
	}
	return img
}
