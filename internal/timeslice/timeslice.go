package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	SliceFlagGuestWrite SliceFlags = 1 << iota
	SliceFlagPure
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestWrite != 0 {
		flags = append(flags, "guest-write")
	}
	if f&SliceFlagPure != 0 {
		flags = append(flags, "pure")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.RWMutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind names a kind of slice. Kinds are registered from package
// level variables.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

func Info(id TimesliceID) (SliceInfo, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	info, ok := kinds[id]
	return info, ok
}

type Record struct {
	ID       TimesliceID
	Duration time.Duration
}

var recordSize = binary.Size(struct {
	ID       uint64
	Duration int64
}{})

// Log collects slices for one bring-up run. A nil *Log discards records.
type Log struct {
	mu      sync.Mutex
	records []Record
}

func NewLog() *Log { return &Log{} }

func (l *Log) Record(id TimesliceID, d time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.records = append(l.records, Record{ID: id, Duration: d})
	l.mu.Unlock()
}

func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Total is the summed duration of one kind.
type Total struct {
	Name     string
	Flags    SliceFlags
	Count    int
	Duration time.Duration
}

// Totals sums records per kind in order of first appearance.
func (l *Log) Totals() []Total {
	var (
		out   []Total
		index = make(map[TimesliceID]int)
	)
	for _, r := range l.Records() {
		i, ok := index[r.ID]
		if !ok {
			info, _ := Info(r.ID)
			i = len(out)
			index[r.ID] = i
			out = append(out, Total{Name: info.Name, Flags: info.Flags})
		}
		out[i].Count++
		out[i].Duration += r.Duration
	}
	return out
}

// Recorder measures consecutive phases. It is not safe for concurrent use.
type Recorder struct {
	log  *Log
	last time.Time
}

func (l *Log) NewRecorder() *Recorder {
	return &Recorder{log: l, last: time.Now()}
}

// Record attributes the time since the previous call to id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	r.log.Record(id, now.Sub(r.last))
	r.last = now
}

// WriteTo persists the log: header, JSON kind table, padding to 4096 bytes,
// then fixed-size records.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	kindsMu.RLock()
	slices, err := json.Marshal(kinds)
	kindsMu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return 0, fmt.Errorf("timeslice: write header: %w", err)
	}
	bw.Write(slices)

	off := binary.Size(header{}) + len(slices)
	if off%4096 != 0 {
		bw.Write(make([]byte, 4096-off%4096))
		off += 4096 - off%4096
	}

	var buf [16]byte
	for _, r := range l.Records() {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.ID))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Duration))
		bw.Write(buf[:])
		off += recordSize
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("timeslice: flush: %w", err)
	}
	return int64(off), nil
}

func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	var table map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: invalid version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&table); err != nil {
		return err
	}

	off := int(hdr.RecordKindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	var rec [16]byte
	for {
		if _, err := io.ReadFull(buf, rec[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		id := TimesliceID(binary.LittleEndian.Uint64(rec[0:8]))
		kind, ok := table[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", id)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(binary.LittleEndian.Uint64(rec[8:16]))); err != nil {
			return err
		}
	}
}
