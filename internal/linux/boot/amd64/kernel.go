package amd64

import (
	"bytes"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	// flatLoadAddress is where headerless images are placed and entered.
	flatLoadAddress = 0x100000

	defaultCmdlineMax = 2048
	defaultInitrdMax  = 0x37ffffff
	defaultAlignment  = 0x200000

	// minProtocol is the oldest boot protocol that reports cmdline_size.
	minProtocol = "v2.6"
	// rsdpProtocol added acpi_rsdp_addr to the zero page.
	rsdpProtocol = "v2.14"
)

type elfSegment struct {
	physAddr uint64
	memSize  uint64
	data     []byte
}

// Kernel is a probed x86_64 kernel image.
type Kernel struct {
	Protocol machine.Protocol
	// Version is the boot protocol in semver form. It is empty for flat
	// images.
	Version string

	Header      SetupHeader
	HeaderBytes []byte

	payload  []byte
	segments []elfSegment
	entry    uint64
}

func malformed(format string, args ...any) error {
	return hv.EncodingError(hv.ErrMalformedImage, "probe kernel", 0, 0).WithDetail(format, args...)
}

// ProbeKernel recognises a bzImage, an ELF vmlinux or a flat binary from the
// image's leading bytes.
func ProbeKernel(data []byte) (*Kernel, error) {
	if len(data) == 0 {
		return nil, malformed("kernel image is empty")
	}
	if bytes.HasPrefix(data, []byte("\x7fELF")) {
		return parseELF(data)
	}
	if len(data) >= headerMagicOffset+4 && string(data[headerMagicOffset:headerMagicOffset+4]) == headerMagic {
		return parseBzImage(data)
	}
	return &Kernel{
		Protocol: machine.ProtocolFlat,
		Header: SetupHeader{
			LoadFlags:     loadFlagLoadedHigh,
			InitrdAddrMax: defaultInitrdMax,
			XLoadFlags:    xlfKernel64,
			CmdlineSize:   defaultCmdlineMax,
		},
		payload: data,
		entry:   flatLoadAddress,
	}, nil
}

func protocolVersion(v uint16) string {
	return fmt.Sprintf("v%d.%d", v>>8, v&0xff)
}

// CmdlineMax is the longest command line the kernel accepts, excluding the
// terminating NUL.
func (k *Kernel) CmdlineMax() int {
	if k.Protocol == machine.ProtocolBzImage && k.Header.CmdlineSize != 0 {
		return int(k.Header.CmdlineSize)
	}
	return defaultCmdlineMax
}

// HasRSDPField reports whether the zero page carries acpi_rsdp_addr.
func (k *Kernel) HasRSDPField() bool {
	return k.Version != "" && semver.Compare(k.Version, rsdpProtocol) >= 0
}

func (k *Kernel) initrdLimit() uint64 {
	if k.Header.InitrdAddrMax == 0 {
		return defaultInitrdMax
	}
	return uint64(k.Header.InitrdAddrMax)
}

func (k *Kernel) alignment() uint64 {
	a := uint64(k.Header.KernelAlignment)
	if a == 0 || a&(a-1) != 0 {
		return defaultAlignment
	}
	return a
}
