package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestMemoryTrace(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Write("layout", "hello")
	WithSource("acpi").Writef("table %s at %#x", "XSDT", 0xe0040)
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var seen []Entry
	if err := Each(bytes.NewReader(mem.Bytes()), nil, func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(seen))
	}
	if seen[0].Source != "layout" || string(seen[0].Data) != "hello" {
		t.Fatalf("entry 0 = %q %q", seen[0].Source, seen[0].Data)
	}
	if got := string(seen[1].Data); got != "table XSDT at 0xe0040" {
		t.Fatalf("entry 1 = %q", got)
	}
}

func TestTraceFileSourceFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	Write("a", "1")
	Write("b", "2")
	Write("a", "3")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []string
	if err := EachFile(path, []string{"a"}, func(e Entry) error {
		got = append(got, string(e.Data))
		return nil
	}); err != nil {
		t.Fatalf("EachFile: %v", err)
	}
	if fmt.Sprint(got) != "[1 3]" {
		t.Fatalf("got %v, want [1 3]", got)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	mem, _ := OpenMemory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Writef(fmt.Sprintf("w%d", i), "message %d", j)
			}
		}(i)
	}
	wg.Wait()
	Close()

	count := 0
	if err := Each(bytes.NewReader(mem.Bytes()), nil, func(e Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 400 {
		t.Fatalf("count = %d, want 400", count)
	}
}

func TestWriteWithoutOpenIsNoop(t *testing.T) {
	Close()
	if Enabled() {
		t.Fatalf("Enabled after Close")
	}
	Writef("x", "dropped %d", 1)
}
