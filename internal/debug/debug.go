package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// The trace log is a sequence of records written with WriteAt at atomically
// reserved offsets, so concurrent writers never interleave bytes:
//   - 2 bytes kind (1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source, then message

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
)

// OpenFile truncates filename and directs trace records to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open directs trace records to w. The returned error is a warning that a
// previously open writer was discarded.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return errors.New("debug: already open, discarded old writer")
	}
	return nil
}

// Memory is an in-memory trace destination.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	return mem, Open(mem)
}

func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s != nil {
		return s.w.Close()
	}
	return nil
}

// Enabled reports whether a trace destination is open.
func Enabled() bool { return current.Load() != nil }

func writeRecord(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}
	rec := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(time.Now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], data)

	off := offset.Add(int64(len(rec))) - int64(len(rec))
	// Tracing must never take the caller down.
	_, _ = s.w.WriteAt(rec, off)
}

func WriteBytes(source string, data []byte) { writeRecord(KindBytes, source, data) }

func Write(source string, data string) { writeRecord(KindString, source, []byte(data)) }

func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type sourced string

func (s sourced) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s sourced) Write(data string)                 { Write(string(s), data) }
func (s sourced) Writef(format string, args ...any) { Writef(string(s), format, args...) }

// WithSource returns a Debug that tags every record with source.
func WithSource(source string) Debug { return sourced(source) }

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in the order they were written. When sources
// is non-empty only matching records are passed to fn.
func Each(r io.Reader, sources []string, fn func(Entry) error) error {
	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			// A writer reserved space but never filled it.
			return nil
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(hdr[4:8]))
		body := make([]byte, srcLen+dataLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("debug: read record: %w", err)
		}
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[8:16]))),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Data:   body[srcLen:],
		}
		if len(want) > 0 && !want[e.Source] {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// EachFile is Each over a trace file on disk.
func EachFile(filename string, sources []string, fn func(Entry) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return Each(f, sources, fn)
}
