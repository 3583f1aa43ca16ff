package amd64

// Offsets into struct boot_params (the zero page) and the embedded
// setup_header, from Documentation/arch/x86/boot.rst.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	zeroPageAcpiRsdpAddr    = 0x070
	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	heapEndPtrOffset          = setupHeaderOffset + 51
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	payloadOffsetOffset       = setupHeaderOffset + 87
	payloadLengthOffset       = setupHeaderOffset + 91
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	setupHeaderEnd = initSizeOffset + 4
)

const (
	loadFlagLoadedHigh uint8 = 1 << 0
	loadFlagCanUseHeap uint8 = 1 << 7

	xlfKernel64 uint16 = 1 << 0

	typeOfLoaderUnknown uint8 = 0xff

	e820EntrySize  = 20
	e820MaxEntries = 128

	e820RAM      uint32 = 1
	e820Reserved uint32 = 2
)
