package hv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups bring-up failures by the phase that detects them.
type ErrorClass uint8

const (
	// ClassConfiguration covers invalid architecture, vCPU count or memory
	// size and is reported before guest memory is touched.
	ClassConfiguration ErrorClass = iota + 1
	ClassLayout
	ClassEncoding
	ClassMemoryAccess
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassLayout:
		return "layout"
	case ClassEncoding:
		return "encoding"
	case ClassMemoryAccess:
		return "memory access"
	default:
		return "unknown"
	}
}

var (
	ErrInsufficientMemory      = errors.New("insufficient memory")
	ErrUnsupported             = errors.New("unsupported")
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrUnsupportedVcpuCount    = errors.New("unsupported vcpu count")
	ErrInvalidTopology         = errors.New("invalid topology")
	ErrOverlap                 = errors.New("region overlap")
	ErrMisaligned              = errors.New("misaligned region")
	ErrTableOverflow           = errors.New("table overflow")
	ErrImageTooLarge           = errors.New("image too large")
	ErrCommandLineTooLong      = errors.New("command line too long")
	ErrMalformedImage          = errors.New("malformed image")
	ErrOutOfRange              = errors.New("address out of range")
)

// Error is the typed failure returned by every bring-up component. Value and
// Limit carry the offending quantity (memory size, command line length, ...)
// when one exists.
type Error struct {
	Class  ErrorClass
	Kind   error
	Op     string
	Value  uint64
	Limit  uint64
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Class.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Value != 0 || e.Limit != 0 {
		fmt.Fprintf(&b, " (value %#x, limit %#x)", e.Value, e.Limit)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(class ErrorClass, kind error, op string, value, limit uint64) *Error {
	return &Error{Class: class, Kind: kind, Op: op, Value: value, Limit: limit}
}

func ConfigError(kind error, op string, value, limit uint64) *Error {
	return newError(ClassConfiguration, kind, op, value, limit)
}

func LayoutError(kind error, op string, value, limit uint64) *Error {
	return newError(ClassLayout, kind, op, value, limit)
}

func EncodingError(kind error, op string, value, limit uint64) *Error {
	return newError(ClassEncoding, kind, op, value, limit)
}

// MemoryError wraps a failure reported by the memory collaborator.
func MemoryError(op string, addr GuestAddress, length uint64, err error) *Error {
	e := newError(ClassMemoryAccess, ErrOutOfRange, op, uint64(addr), length)
	e.Err = err
	return e
}

// WithDetail attaches a free-form description to e and returns it.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// ClassOf returns the class of the first *Error in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}
