package amd64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/vmboot/internal/guestmem"
	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
)

type bzImageOptions struct {
	version     uint16
	xloadflags  uint16
	cmdlineSize uint32
	initrdMax   uint32
	initSize    uint32
	payload     int
}

func testBzImage(o bzImageOptions) []byte {
	if o.version == 0 {
		o.version = 0x020f
	}
	if o.cmdlineSize == 0 {
		o.cmdlineSize = 2047
	}
	if o.initrdMax == 0 {
		o.initrdMax = 0x7fffffff
	}
	if o.initSize == 0 {
		o.initSize = 0x400000
	}
	if o.payload == 0 {
		o.payload = 0x1000
	}
	img := make([]byte, 1024+o.payload)
	le := binary.LittleEndian
	img[setupHeaderOffset] = 1
	img[headerLengthOffset] = byte(setupHeaderEnd - headerMagicOffset)
	copy(img[headerMagicOffset:], headerMagic)
	le.PutUint16(img[protocolVersionOffset:], o.version)
	img[loadFlagsOffset] = loadFlagLoadedHigh
	le.PutUint32(img[initrdAddrMaxOffset:], o.initrdMax)
	le.PutUint32(img[kernelAlignmentOffset:], 0x200000)
	img[relocatableKernelOffset] = 1
	le.PutUint16(img[xloadflagsOffset:], o.xloadflags|xlfKernel64)
	le.PutUint32(img[cmdlineSizeOffset:], o.cmdlineSize)
	le.PutUint64(img[prefAddressOffset:], 0x1000000)
	le.PutUint32(img[initSizeOffset:], o.initSize)
	for i := 1024; i < len(img); i++ {
		img[i] = byte(i)
	}
	return img
}

// testELF builds a minimal ELF64 vmlinux with one PT_LOAD segment.
func testELF(paddr, entry uint64, code []byte) []byte {
	const ehsize, phsize, off = 64, 56, 0x1000
	img := make([]byte, off+len(code))
	le := binary.LittleEndian
	copy(img, "\x7fELF")
	img[4] = 2 // ELFCLASS64
	img[5] = 1 // ELFDATA2LSB
	img[6] = 1 // EV_CURRENT
	le.PutUint16(img[16:], 2)  // ET_EXEC
	le.PutUint16(img[18:], 62) // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], ehsize)
	le.PutUint16(img[52:], ehsize)
	le.PutUint16(img[54:], phsize)
	le.PutUint16(img[56:], 1)
	le.PutUint16(img[58:], 64)

	ph := img[ehsize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5)
	le.PutUint64(ph[8:], off)
	le.PutUint64(ph[16:], paddr|0xffffffff80000000)
	le.PutUint64(ph[24:], paddr)
	le.PutUint64(ph[32:], uint64(len(code)))
	le.PutUint64(ph[40:], uint64(len(code))+0x1000)
	le.PutUint64(ph[48:], 0x200000)
	copy(img[off:], code)
	return img
}

func testConfig(mem uint64, vcpus int, kernel []byte) *machine.Config {
	return &machine.Config{
		Arch:       hv.ArchitectureX86_64,
		MemorySize: mem,
		VcpuCount:  vcpus,
		Kernel:     kernel,
		Cmdline:    "console=ttyS0 reboot=k panic=1",
	}
}

type bootResult struct {
	layout *layout.Layout
	info   *machine.BootInfo
	tables *machine.TableSet
	mem    *guestmem.Memory
}

func bringUp(t *testing.T, cfg *machine.Config) bootResult {
	t.Helper()
	p := New(cfg)
	l, err := p.PlanMemory()
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	info, err := p.PlaceBoot(l)
	if err != nil {
		t.Fatalf("PlaceBoot: %v", err)
	}
	mem, err := guestmem.ForLayout(l)
	if err != nil {
		t.Fatalf("ForLayout: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	tables, err := p.BuildTables(l, info, mem)
	if err != nil {
		t.Fatalf("BuildTables: %v", err)
	}
	if err := p.EncodeBoot(l, info, tables, mem); err != nil {
		t.Fatalf("EncodeBoot: %v", err)
	}
	return bootResult{layout: l, info: info, tables: tables, mem: mem}
}

func read(t *testing.T, mem hv.GuestMemory, addr hv.GuestAddress, n int) []byte {
	t.Helper()
	b, err := hv.ReadGuest(mem, addr, n)
	if err != nil {
		t.Fatalf("ReadGuest(%s): %v", addr, err)
	}
	return b
}

func TestProbeKernelFormats(t *testing.T) {
	tests := []struct {
		name     string
		image    []byte
		protocol machine.Protocol
		version  string
	}{
		{"bzImage", testBzImage(bzImageOptions{}), machine.ProtocolBzImage, "v2.15"},
		{"elf", testELF(0x1000000, 0x1000000, []byte{0xf4}), machine.ProtocolELF, "v2.11"},
		{"flat", []byte{0xeb, 0xfe, 0x90, 0x90}, machine.ProtocolFlat, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ProbeKernel(tt.image)
			if err != nil {
				t.Fatalf("ProbeKernel: %v", err)
			}
			if k.Protocol != tt.protocol || k.Version != tt.version {
				t.Fatalf("probe = %s %q, want %s %q", k.Protocol, k.Version, tt.protocol, tt.version)
			}
		})
	}
}

func TestProbeRejectsMalformedImages(t *testing.T) {
	old := testBzImage(bzImageOptions{version: 0x0205})
	no64 := testBzImage(bzImageOptions{})
	binary.LittleEndian.PutUint16(no64[xloadflagsOffset:], 0)
	short := testBzImage(bzImageOptions{})[:0x210]
	wrongMachine := testELF(0x1000000, 0x1000000, []byte{0xf4})
	binary.LittleEndian.PutUint16(wrongMachine[18:], 183) // EM_AARCH64
	badEntry := testELF(0x1000000, 0x2000000, []byte{0xf4})

	for name, img := range map[string][]byte{
		"old protocol":  old,
		"no 64-bit":     no64,
		"short header":  short,
		"wrong machine": wrongMachine,
		"entry outside": badEntry,
	} {
		if _, err := ProbeKernel(img); !errors.Is(err, hv.ErrMalformedImage) {
			t.Fatalf("%s: err = %v, want ErrMalformedImage", name, err)
		}
	}
}

func TestRSDPFieldFollowsProtocol(t *testing.T) {
	for _, tt := range []struct {
		version uint16
		want    bool
	}{
		{0x020d, false},
		{0x020e, true},
		{0x020f, true},
	} {
		k, err := ProbeKernel(testBzImage(bzImageOptions{version: tt.version}))
		if err != nil {
			t.Fatalf("ProbeKernel: %v", err)
		}
		if got := k.HasRSDPField(); got != tt.want {
			t.Fatalf("%s: HasRSDPField = %v, want %v", k.Version, got, tt.want)
		}
	}
}

func TestCommandLineBoundary(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		max   int
	}{
		{"bzImage", testBzImage(bzImageOptions{cmdlineSize: 2047}), 2047},
		{"flat", []byte{0xf4}, 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(64<<20, 1, tt.image)
			p := New(cfg)
			l, err := p.PlanMemory()
			if err != nil {
				t.Fatalf("PlanMemory: %v", err)
			}

			cfg.Cmdline = strings.Repeat("a", tt.max)
			info, err := p.PlaceBoot(l)
			if err != nil {
				t.Fatalf("PlaceBoot at max: %v", err)
			}
			if info.CmdlineLen != tt.max || info.Cmdline.Size != uint64(tt.max)+1 {
				t.Fatalf("cmdline = %d bytes in %s", info.CmdlineLen, info.Cmdline)
			}

			cfg.Cmdline += "a"
			_, err = p.PlaceBoot(l)
			if !errors.Is(err, hv.ErrCommandLineTooLong) {
				t.Fatalf("PlaceBoot at max+1: err = %v", err)
			}
			var e *hv.Error
			if !errors.As(err, &e) || e.Value != uint64(tt.max+1) || e.Limit != uint64(tt.max) {
				t.Fatalf("error = %+v", e)
			}
		})
	}
}

func TestMinimumMemory(t *testing.T) {
	_, err := New(testConfig(minMemory-1, 1, []byte{0xf4})).PlanMemory()
	if !errors.Is(err, hv.ErrInsufficientMemory) {
		t.Fatalf("err = %v, want ErrInsufficientMemory", err)
	}
	if _, err := New(testConfig(minMemory, 1, []byte{0xf4})).PlanMemory(); err != nil {
		t.Fatalf("PlanMemory at minimum: %v", err)
	}
}

func TestBringUp512MiB(t *testing.T) {
	cfg := testConfig(512<<20, 2, testBzImage(bzImageOptions{}))
	cfg.Initrd = bytes.Repeat([]byte{0x5a}, 0x3000)
	r := bringUp(t, cfg)

	if r.info.Entry != 0x1000200 {
		t.Fatalf("entry = %s, want 0x1000200", r.info.Entry)
	}
	if r.info.Initrd.End() != 512<<20 {
		t.Fatalf("initrd = %s, want at the top of RAM", r.info.Initrd)
	}
	if err := r.tables.Verify(); err != nil {
		t.Fatalf("tables: %v", err)
	}

	zp := read(t, r.mem, zeroPageAddr, zeroPageSize)
	le := binary.LittleEndian
	if le.Uint16(zp[setupHeaderBootFlagOffset:]) != 0xaa55 || string(zp[setupHeaderHeaderOffset:][:4]) != headerMagic {
		t.Fatalf("zero page lacks boot flag or HdrS")
	}
	if got := le.Uint64(zp[zeroPageAcpiRsdpAddr:]); got != acpiStart {
		t.Fatalf("acpi_rsdp_addr = %#x, want %#x", got, acpiStart)
	}
	if got := le.Uint32(zp[code32StartOffset:]); got != 0x1000000 {
		t.Fatalf("code32_start = %#x", got)
	}
	if got := le.Uint32(zp[ramdiskImageOffset:]); got != uint32(r.info.Initrd.Base) {
		t.Fatalf("ramdisk_image = %#x, want %s", got, r.info.Initrd.Base)
	}
	if zp[typeOfLoaderOffset] != typeOfLoaderUnknown || zp[loadFlagsOffset]&loadFlagCanUseHeap == 0 {
		t.Fatalf("loader fields: type %#x flags %#x", zp[typeOfLoaderOffset], zp[loadFlagsOffset])
	}

	var usable uint64
	n := int(zp[zeroPageE820Entries])
	for i := range n {
		ent := zp[zeroPageE820Table+i*e820EntrySize:]
		if le.Uint32(ent[16:]) == e820RAM {
			usable += le.Uint64(ent[8:])
		}
	}
	if want := uint64(512<<20) - 0x1000 - (acpiEnd - ebdaAddr); usable != want {
		t.Fatalf("e820 RAM = %#x, want %#x", usable, want)
	}
	low := zp[zeroPageE820Table+e820EntrySize:]
	if le.Uint64(low) != 0x1000 || le.Uint64(low[8:]) != ebdaAddr-0x1000 {
		t.Fatalf("e820[1] = %#x+%#x, want merged low RAM", le.Uint64(low), le.Uint64(low[8:]))
	}

	cmdline := read(t, r.mem, cmdlineAddr, len(cfg.Cmdline)+1)
	if string(cmdline) != cfg.Cmdline+"\x00" {
		t.Fatalf("cmdline = %q", cmdline)
	}
	if got := read(t, r.mem, 0x1000000, 4); !bytes.Equal(got, cfg.Kernel[1024:1028]) {
		t.Fatalf("kernel payload = % x", got)
	}
	if got := read(t, r.mem, r.info.Initrd.Base, 2); !bytes.Equal(got, []byte{0x5a, 0x5a}) {
		t.Fatalf("initrd = % x", got)
	}

	gdt := read(t, r.mem, gdtAddr, gdtEntries*8)
	if got := le.Uint64(gdt[codeSelector:]); got != 0x00af9b000000ffff {
		t.Fatalf("code descriptor = %#x", got)
	}
	if got := le.Uint64(gdt[dataSelector:]); got != 0x00cf93000000ffff {
		t.Fatalf("data descriptor = %#x", got)
	}

	pt := read(t, r.mem, pml4Addr, pageTablesEnd-pml4Addr)
	if got := le.Uint64(pt); got != pdptAddr|pdePresent|pdeWritable {
		t.Fatalf("pml4[0] = %#x", got)
	}
	lastPD := pt[pdAddr-pml4Addr+3*pageMapSize:]
	if got := le.Uint64(lastPD[511*8:]); got != (4<<30-2<<20)|0x83 {
		t.Fatalf("last pde = %#x", got)
	}
}

func TestInitVcpu(t *testing.T) {
	cfg := testConfig(64<<20, 3, testBzImage(bzImageOptions{}))
	r := bringUp(t, cfg)
	p := New(cfg)

	boot, err := p.InitVcpu(r.layout, r.info, 0, 3)
	if err != nil {
		t.Fatalf("InitVcpu(0): %v", err)
	}
	for _, tt := range []struct {
		reg  hv.Register
		want uint64
	}{
		{hv.RegisterAMD64Rip, uint64(r.info.Entry)},
		{hv.RegisterAMD64Rsi, zeroPageAddr},
		{hv.RegisterAMD64Rsp, stackTop},
		{hv.RegisterAMD64Rflags, 0x2},
		{hv.RegisterAMD64Cr0, 0x80050033},
		{hv.RegisterAMD64Cr3, pml4Addr},
		{hv.RegisterAMD64Cr4, 0x20},
		{hv.RegisterAMD64Efer, 0x500},
	} {
		if got, ok := boot.Uint64(tt.reg); !ok || got != tt.want {
			t.Fatalf("%s = %#x, want %#x", tt.reg, got, tt.want)
		}
	}
	cs, _ := boot.Get(hv.RegisterAMD64Cs)
	if seg := cs.(hv.Segment); seg.Selector != codeSelector || seg.L != 1 || seg.DB != 0 || seg.Type != 0xb {
		t.Fatalf("cs = %+v", seg)
	}
	ss, _ := boot.Get(hv.RegisterAMD64Ss)
	if seg := ss.(hv.Segment); seg.Selector != dataSelector || seg.Limit != 0xffffffff {
		t.Fatalf("ss = %+v", seg)
	}
	gdtr, _ := boot.Get(hv.RegisterAMD64Gdtr)
	if dt := gdtr.(hv.DescriptorTable); dt.Base != gdtAddr || dt.Limit != gdtEntries*8-1 {
		t.Fatalf("gdtr = %+v", dt)
	}
	if boot.MPState() != hv.MPStateRunnable {
		t.Fatalf("vcpu0 mp state = %s", boot.MPState())
	}

	for i := 1; i < 3; i++ {
		ap, err := p.InitVcpu(r.layout, r.info, i, 3)
		if err != nil {
			t.Fatalf("InitVcpu(%d): %v", i, err)
		}
		if ap.MPState() != hv.MPStateUninitialized {
			t.Fatalf("vcpu%d mp state = %s", i, ap.MPState())
		}
		if rip, _ := ap.Uint64(hv.RegisterAMD64Rip); rip != resetRIP {
			t.Fatalf("vcpu%d rip = %#x", i, rip)
		}
		cs, _ := ap.Get(hv.RegisterAMD64Cs)
		if seg := cs.(hv.Segment); seg.Selector != 0xf000 || seg.Base != 0xffff0000 {
			t.Fatalf("vcpu%d cs = %+v", i, seg)
		}
	}

	for _, bad := range [][2]int{{3, 3}, {-1, 3}, {0, 2}} {
		if _, err := p.InitVcpu(r.layout, r.info, bad[0], bad[1]); !errors.Is(err, hv.ErrUnsupportedVcpuCount) {
			t.Fatalf("InitVcpu(%d, %d): err = %v", bad[0], bad[1], err)
		}
	}
}

func TestInitrdAvoidsKernel(t *testing.T) {
	// initrd_addr_max caps the initrd just above the kernel, so the top
	// candidate would overlap it.
	cfg := testConfig(64<<20, 1, testBzImage(bzImageOptions{initrdMax: 24<<20 - 1}))
	cfg.Initrd = make([]byte, 6<<20)
	p := New(cfg)
	l, err := p.PlanMemory()
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	info, err := p.PlaceBoot(l)
	if err != nil {
		t.Fatalf("PlaceBoot: %v", err)
	}
	if info.Kernel.Base != 16<<20 || info.Kernel.End() != 20<<20 {
		t.Fatalf("kernel = %s", info.Kernel)
	}
	if info.Initrd.Base != 10<<20 {
		t.Fatalf("initrd = %s, want below the kernel", info.Initrd)
	}
}

func TestImageTooLarge(t *testing.T) {
	cfg := testConfig(64<<20, 1, testBzImage(bzImageOptions{initSize: 64 << 20}))
	p := New(cfg)
	l, err := p.PlanMemory()
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	if _, err := p.PlaceBoot(l); !errors.Is(err, hv.ErrImageTooLarge) {
		t.Fatalf("kernel: err = %v, want ErrImageTooLarge", err)
	}

	cfg = testConfig(64<<20, 1, testBzImage(bzImageOptions{}))
	cfg.Initrd = make([]byte, 80<<20)
	if _, err := New(cfg).PlaceBoot(l); !errors.Is(err, hv.ErrImageTooLarge) {
		t.Fatalf("initrd: err = %v, want ErrImageTooLarge", err)
	}
}

func TestELFKernelLoadsAtPhysicalAddress(t *testing.T) {
	code := []byte{0xfa, 0xf4, 0xeb, 0xfd}
	cfg := testConfig(64<<20, 1, testELF(0x1000000, 0x1000000, code))
	r := bringUp(t, cfg)

	if r.info.Protocol != machine.ProtocolELF || r.info.Entry != 0x1000000 {
		t.Fatalf("boot info = %s", r.info)
	}
	if r.info.Kernel.Size != uint64(len(code))+0x1000 {
		t.Fatalf("kernel extent = %s", r.info.Kernel)
	}
	if got := read(t, r.mem, 0x1000000, len(code)); !bytes.Equal(got, code) {
		t.Fatalf("segment = % x", got)
	}
	zp := read(t, r.mem, zeroPageAddr, zeroPageSize)
	if got := binary.LittleEndian.Uint64(zp[zeroPageAcpiRsdpAddr:]); got != 0 {
		t.Fatalf("acpi_rsdp_addr = %#x on a v2.11 header", got)
	}
}

func TestVirtioDevicesGetWindowsAndTables(t *testing.T) {
	cfg := testConfig(64<<20, 1, testBzImage(bzImageOptions{}))
	cfg.Devices = []hv.DeviceDescriptor{
		{Name: "net0", Kind: hv.DeviceVirtioMMIO, BusAddress: 1},
		{Name: "blk0", Kind: hv.DeviceVirtioMMIO, BusAddress: 0},
	}
	r := bringUp(t, cfg)

	devs := r.layout.Devices()
	if len(devs) != 2 || devs[0].Device.Name != "blk0" {
		t.Fatalf("devices = %+v", devs)
	}
	if devs[0].Region.Base != virtioBase || devs[1].Region.Base != virtioBase+0x1000 {
		t.Fatalf("windows = %s, %s", devs[0].Region, devs[1].Region)
	}
	if devs[0].IRQ != 5 || devs[1].IRQ != 6 {
		t.Fatalf("irqs = %d, %d", devs[0].IRQ, devs[1].IRQ)
	}
	dsdt, ok := r.tables.Lookup("DSDT")
	if !ok || !bytes.Contains(dsdt.Data, []byte("V001")) {
		t.Fatalf("DSDT lacks second virtio device")
	}
	if _, ok := r.tables.Lookup("MCFG"); ok {
		t.Fatalf("MCFG present without PCI devices")
	}
}

func TestPCIDevicesReserveECAM(t *testing.T) {
	cfg := testConfig(64<<20, 1, testBzImage(bzImageOptions{}))
	cfg.Devices = []hv.DeviceDescriptor{{Name: "gpu", Kind: hv.DevicePCI, BusAddress: 2}}
	r := bringUp(t, cfg)

	ecam, ok := r.layout.Named(regionECAM)
	if !ok || ecam.Base != ecamBase {
		t.Fatalf("ecam region = %v, %v", ecam, ok)
	}
	if _, ok := r.tables.Lookup("MCFG"); !ok {
		t.Fatalf("MCFG missing")
	}
	var reserved bool
	for _, e := range E820Map(r.layout) {
		if e.Addr == ecamBase && e.Type == e820Reserved {
			reserved = true
		}
	}
	if !reserved {
		t.Fatalf("ECAM not reserved in e820")
	}
}
