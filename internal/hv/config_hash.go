package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

// StateHash identifies the complete output of a bring-up run. Two runs with
// identical inputs must produce the same hash; snapshots can only be restored
// against a matching hash.
type StateHash [32]byte

// StateHasher accumulates named sections into a StateHash.
type StateHasher struct {
	h hash.Hash
}

func NewStateHasher(arch CpuArchitecture) *StateHasher {
	s := &StateHasher{h: sha256.New()}
	s.h.Write([]byte(arch))
	s.h.Write([]byte{0}) // null terminator
	return s
}

// Section hashes a length-prefixed, named blob so adjacent sections cannot
// alias each other.
func (s *StateHasher) Section(name string, data []byte) {
	s.h.Write([]byte(name))
	s.h.Write([]byte{0})
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(data)))
	s.h.Write(buf[:])
	s.h.Write(data)
}

func (s *StateHasher) Uint64(name string, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	s.Section(name, buf[:])
}

func (s *StateHasher) Sum() StateHash {
	var result StateHash
	copy(result[:], s.h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h StateHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}

// Short returns the first twelve hex digits.
func (h StateHash) Short() string { return h.String()[:12] }
