package hash

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"runtime"
	"strings"
)

// DigestSize is the number of bytes in a finalized digest.
const DigestSize = 16

// Digest is a 128-bit content digest with a stable hex string form.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Compare orders digests bytewise, matching the sort order of the frozen
// GUID tables.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes the hex form produced by String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// pathsAreCaseInsensitive reports whether the build host treats paths
// case-insensitively. Paths must hash identically regardless of the casing
// they were spelled with in the DAG.
var pathsAreCaseInsensitive = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// Djb2 is the 32-bit string hash used for DAG identifiers.
func Djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// State is a streaming hasher. The zero value is not usable; call New.
type State struct {
	h hash.Hash
}

// New returns a fresh streaming hasher.
func New() *State {
	return &State{h: sha1.New()}
}

// AddBytes mixes raw bytes into the hash.
func (s *State) AddBytes(b []byte) {
	s.h.Write(b)
}

// AddString mixes a string into the hash.
func (s *State) AddString(str string) {
	s.h.Write([]byte(str))
}

// AddPath mixes a file path, case-folded on case-insensitive targets so the
// same file always signs the same way.
func (s *State) AddPath(path string) {
	if pathsAreCaseInsensitive {
		path = strings.ToLower(path)
	}
	s.h.Write([]byte(path))
}

// AddInt64 mixes an integer in fixed-width form.
func (s *State) AddInt64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	s.h.Write(buf[:])
}

// AddDigest mixes a previously finalized digest.
func (s *State) AddDigest(d Digest) {
	s.h.Write(d[:])
}

// AddSeparator mixes a field delimiter so adjacent variable-length fields
// cannot alias.
func (s *State) AddSeparator() {
	s.h.Write([]byte{0})
}

// Finalize returns the 128-bit digest. The state must not be reused after.
func (s *State) Finalize() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil)[:DigestSize])
	return d
}
