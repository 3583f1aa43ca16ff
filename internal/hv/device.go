package hv

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

type DeviceKind uint8

const (
	DeviceKindInvalid DeviceKind = iota
	// DeviceVirtioMMIO needs its own MMIO window and interrupt line.
	DeviceVirtioMMIO
	// DevicePCI sits behind the PCI host bridge; BusAddress is its slot.
	DevicePCI
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceVirtioMMIO:
		return "virtio-mmio"
	case DevicePCI:
		return "pci"
	default:
		return "invalid"
	}
}

func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(s) {
	case "virtio-mmio", "virtio", "mmio":
		return DeviceVirtioMMIO, nil
	case "pci":
		return DevicePCI, nil
	}
	return DeviceKindInvalid, fmt.Errorf("unknown device kind %q", s)
}

// DeviceDescriptor is supplied by the device layer. The bring-up core only
// reads it.
type DeviceDescriptor struct {
	Name       string
	Kind       DeviceKind
	BusAddress uint32
	MMIOSize   uint64
	IRQ        uint32
}

func compareDevices(a, b DeviceDescriptor) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(a.BusAddress, b.BusAddress); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// SortDevices returns a copy of devs in canonical order: kind, bus address,
// then name.
func SortDevices(devs []DeviceDescriptor) []DeviceDescriptor {
	out := slices.Clone(devs)
	slices.SortStableFunc(out, compareDevices)
	return out
}
