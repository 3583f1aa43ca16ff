package guestmem

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmboot/internal/hv"
)

func TestReadWriteWithinSlot(t *testing.T) {
	m := New()
	defer m.Close()
	if err := m.AddRegion(0x8000_0000, 0x10000); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := hv.WriteGuest(m, 0x8000_0ff0, []byte("hello")); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}
	got, err := hv.ReadGuest(m, 0x8000_0ff0, 5)
	if err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read %q, want hello", got)
	}
}

func TestAccessOutsideSlotFails(t *testing.T) {
	m := New()
	defer m.Close()
	if err := m.AddRegion(0, 0x1000); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := m.AddRegion(0x2000, 0x1000); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	tests := []struct {
		name string
		addr hv.GuestAddress
		n    int
	}{
		{"straddles end", 0xff8, 16},
		{"in hole", 0x1800, 1},
		{"past last slot", 0x3000, 1},
		{"straddles two slots", 0xfff, 0x1002},
	}
	for _, tt := range tests {
		err := hv.WriteGuest(m, tt.addr, make([]byte, tt.n))
		if !errors.Is(err, ErrUnmapped) {
			t.Fatalf("%s: err = %v, want ErrUnmapped", tt.name, err)
		}
		if class, _ := hv.ClassOf(err); class != hv.ClassMemoryAccess {
			t.Fatalf("%s: class = %s", tt.name, class)
		}
	}
}

func TestOverlappingRegionsRejected(t *testing.T) {
	m := New()
	defer m.Close()
	if err := m.AddRegion(0x1000, 0x2000); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	for _, r := range []struct{ base, size uint64 }{
		{0x0, 0x1001},
		{0x2fff, 0x10},
		{0x1800, 0x100},
	} {
		if err := m.AddRegion(hv.GuestAddress(r.base), r.size); err == nil {
			t.Fatalf("AddRegion(%#x, %#x) overlapped without error", r.base, r.size)
		}
	}
	if err := m.AddRegion(0x3000, 0x1000); err != nil {
		t.Fatalf("adjacent region rejected: %v", err)
	}
	if spans := m.Spans(); len(spans) != 2 || spans[1].Base != 0x3000 {
		t.Fatalf("spans = %+v", spans)
	}
}
