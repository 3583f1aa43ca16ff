package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a", 0)
	timesliceB = RegisterKind("b", SliceFlagPure)
)

func TestTimeslice(t *testing.T) {
	log := NewLog()
	log.Record(timesliceA, 100*time.Millisecond)
	log.Record(timesliceB, 200*time.Millisecond)
	log.Record(timesliceA, 50*time.Millisecond)

	var buf bytes.Buffer
	if _, err := log.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	var seen []string
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(id string, flags SliceFlags, duration time.Duration) error {
		seen = append(seen, id)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 records, got %d", len(seen))
	}

	totals := log.Totals()
	if len(totals) != 2 {
		t.Fatalf("expected 2 totals, got %d", len(totals))
	}
	if totals[0].Name != "a" || totals[0].Count != 2 || totals[0].Duration != 150*time.Millisecond {
		t.Fatalf("totals[0] = %+v", totals[0])
	}
	if totals[1].Flags.String() != "pure" {
		t.Fatalf("flags = %q", totals[1].Flags)
	}
}

func TestNilLogDiscards(t *testing.T) {
	var log *Log
	log.Record(timesliceA, time.Second)
	log.NewRecorder().Record(timesliceB)
	if len(log.Records()) != 0 {
		t.Fatalf("nil log kept records")
	}
}

func TestRecorderAttributesElapsedTime(t *testing.T) {
	log := NewLog()
	rec := log.NewRecorder()
	rec.Record(timesliceA)
	rec.Record(timesliceB)
	records := log.Records()
	if len(records) != 2 || records[0].ID != timesliceA || records[1].ID != timesliceB {
		t.Fatalf("records = %+v", records)
	}
	for _, r := range records {
		if r.Duration < 0 {
			t.Fatalf("negative duration %v", r.Duration)
		}
	}
}
