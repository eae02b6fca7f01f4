package hashtree

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zaolin/pinguard/internal/delay"
)

// Leaf file format: <4-byte magic><1-byte version><8-byte label>
// <4-byte attempt count><8-byte last-failed timestamp>
// <2-byte value-hash size><value hash><schedule blob>
var leafMagic = [4]byte{'P', 'G', 'L', 'F'}

const leafVersion = 1

// ErrMalformedLeaf indicates a leaf blob that cannot be decoded.
var ErrMalformedLeaf = errors.New("malformed leaf metadata")

// LeafMetadata is the per-credential record mirrored between the on-disk
// tree and the secure backend. The plaintext secret never appears here,
// only its protected digest.
type LeafMetadata struct {
	Label        uint64
	AttemptCount uint32
	LastFailed   uint64 // seconds, manager-supplied monotonic-ish clock
	ValueHash    []byte
	Schedule     delay.Schedule
}

// Encode serializes the metadata in the leaf file format.
func (m *LeafMetadata) Encode() []byte {
	sched := m.Schedule.Encode()
	buf := make([]byte, 0, 4+1+8+4+8+2+len(m.ValueHash)+len(sched))
	buf = append(buf, leafMagic[:]...)
	buf = append(buf, leafVersion)
	buf = binary.BigEndian.AppendUint64(buf, m.Label)
	buf = binary.BigEndian.AppendUint32(buf, m.AttemptCount)
	buf = binary.BigEndian.AppendUint64(buf, m.LastFailed)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.ValueHash)))
	buf = append(buf, m.ValueHash...)
	buf = append(buf, sched...)
	return buf
}

// DecodeLeaf parses a blob produced by Encode.
func DecodeLeaf(blob []byte) (*LeafMetadata, error) {
	if len(blob) < 4+1+8+4+8+2 {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformedLeaf)
	}
	if [4]byte(blob[:4]) != leafMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedLeaf)
	}
	if blob[4] != leafVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedLeaf, blob[4])
	}
	m := &LeafMetadata{
		Label:        binary.BigEndian.Uint64(blob[5:]),
		AttemptCount: binary.BigEndian.Uint32(blob[13:]),
		LastFailed:   binary.BigEndian.Uint64(blob[17:]),
	}
	hashLen := int(binary.BigEndian.Uint16(blob[25:]))
	if len(blob) < 27+hashLen {
		return nil, fmt.Errorf("%w: truncated at value hash", ErrMalformedLeaf)
	}
	m.ValueHash = append([]byte(nil), blob[27:27+hashLen]...)
	sched, err := delay.Decode(blob[27+hashLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLeaf, err)
	}
	m.Schedule = sched
	return m, nil
}

// Digest returns the leaf's node digest in the tree: SHA-256 over a
// domain-separation tag and the encoded metadata. Any metadata change,
// including an attempt-count bump, moves the root.
func (m *LeafMetadata) Digest() []byte {
	h := sha256.New()
	h.Write([]byte("pinguard leaf v1"))
	h.Write(m.Encode())
	return h.Sum(nil)
}

// Clone returns a deep copy, so callers can stage an update without
// mutating the stored record.
func (m *LeafMetadata) Clone() *LeafMetadata {
	c := *m
	c.ValueHash = append([]byte(nil), m.ValueHash...)
	c.Schedule = append(delay.Schedule(nil), m.Schedule...)
	return &c
}
