// Package hashtree implements the on-disk Merkle tree of credential leaf
// metadata. Each label path-encodes a leaf position in a fixed-arity,
// fixed-height sparse tree; internal node digests are SHA-256 over the
// concatenated child digests, and the root digest is what the secure
// backend mirrors to detect host-side tampering or replay.
package hashtree

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/bits"
)

// DigestSize is the byte length of every node digest in the tree.
const DigestSize = sha256.Size

// ErrBadGeometry indicates an unusable fan-out/height combination.
var ErrBadGeometry = errors.New("invalid tree geometry")

// Geometry fixes the shape of the tree. Fanout must be a power of two so
// labels can path-encode child indices as bit groups; the low bits of a
// label select the child nearest the leaf.
type Geometry struct {
	Fanout uint32
	Height uint32
}

// DefaultGeometry is a 4-ary tree of height 6: 4096 labels, aux vectors
// of 18 digests.
var DefaultGeometry = Geometry{Fanout: 4, Height: 6}

// Validate checks the geometry is representable: power-of-two fan-out and
// label paths that fit in 64 bits.
func (g Geometry) Validate() error {
	if g.Fanout < 2 || bits.OnesCount32(g.Fanout) != 1 {
		return fmt.Errorf("%w: fan-out %d is not a power of two >= 2", ErrBadGeometry, g.Fanout)
	}
	if g.Height == 0 {
		return fmt.Errorf("%w: zero height", ErrBadGeometry)
	}
	if uint(g.Height)*g.bitsPerLevel() > 63 {
		return fmt.Errorf("%w: %d levels of %d bits overflow u64 labels", ErrBadGeometry, g.Height, g.bitsPerLevel())
	}
	return nil
}

func (g Geometry) bitsPerLevel() uint {
	return uint(bits.TrailingZeros32(g.Fanout))
}

// MaxLabels returns the leaf capacity of the tree.
func (g Geometry) MaxLabels() uint64 {
	return uint64(1) << (uint(g.Height) * g.bitsPerLevel())
}

// ValidLabel reports whether label addresses a leaf position.
func (g Geometry) ValidLabel(label uint64) bool {
	return label < g.MaxLabels()
}

// indexAt returns the index of label's ancestor node within level. Level 0
// is the leaf level, so indexAt(label, 0) == label.
func (g Geometry) indexAt(label uint64, level uint32) uint64 {
	return label >> (uint(level) * g.bitsPerLevel())
}

// tree is the in-memory node table. levels[l] maps node index to digest at
// level l (0 = leaves); absent entries are empty subtrees. empty[l] holds
// the precomputed digest of an empty subtree of height l.
type tree struct {
	geo    Geometry
	levels []map[uint64][]byte
	empty  [][]byte
}

func newTree(geo Geometry) *tree {
	t := &tree{
		geo:    geo,
		levels: make([]map[uint64][]byte, geo.Height+1),
		empty:  make([][]byte, geo.Height+1),
	}
	for l := range t.levels {
		t.levels[l] = make(map[uint64][]byte)
	}
	t.empty[0] = make([]byte, DigestSize)
	for l := uint32(1); l <= geo.Height; l++ {
		h := sha256.New()
		for i := uint32(0); i < geo.Fanout; i++ {
			h.Write(t.empty[l-1])
		}
		t.empty[l] = h.Sum(nil)
	}
	return t
}

func (t *tree) nodeDigest(level uint32, index uint64) []byte {
	if d, ok := t.levels[level][index]; ok {
		return d
	}
	return t.empty[level]
}

// setLeaf installs (or clears, when digest is nil) the digest of label's
// leaf and rehashes the path up to the root. Returns the new root digest.
func (t *tree) setLeaf(label uint64, digest []byte) []byte {
	if digest == nil || bytes.Equal(digest, t.empty[0]) {
		delete(t.levels[0], label)
	} else {
		t.levels[0][label] = append([]byte(nil), digest...)
	}

	for level := uint32(1); level <= t.geo.Height; level++ {
		parent := t.geo.indexAt(label, level)
		h := sha256.New()
		for i := uint64(0); i < uint64(t.geo.Fanout); i++ {
			h.Write(t.nodeDigest(level-1, parent*uint64(t.geo.Fanout)+i))
		}
		d := h.Sum(nil)
		if bytes.Equal(d, t.empty[level]) {
			delete(t.levels[level], parent)
		} else {
			t.levels[level][parent] = d
		}
	}
	return t.root()
}

func (t *tree) root() []byte {
	return append([]byte(nil), t.nodeDigest(t.geo.Height, 0)...)
}

// auxHashes returns the sibling digests along label's path, ordered
// leaf-to-root and, within each level, by child index with the path node
// itself omitted. This is the membership proof the backend consumes.
func (t *tree) auxHashes(label uint64) [][]byte {
	aux := make([][]byte, 0, uint64(t.geo.Height)*uint64(t.geo.Fanout-1))
	for level := uint32(0); level < t.geo.Height; level++ {
		self := t.geo.indexAt(label, level)
		first := (self / uint64(t.geo.Fanout)) * uint64(t.geo.Fanout)
		for i := first; i < first+uint64(t.geo.Fanout); i++ {
			if i == self {
				continue
			}
			aux = append(aux, append([]byte(nil), t.nodeDigest(level, i)...))
		}
	}
	return aux
}

// RootFromLeaf recomputes the root digest from one leaf digest and its aux
// hash vector. Both the storage integrity check and the software backend
// use this to verify membership claims.
func RootFromLeaf(geo Geometry, label uint64, leafDigest []byte, aux [][]byte) ([]byte, error) {
	perLevel := int(geo.Fanout) - 1
	if len(aux) != perLevel*int(geo.Height) {
		return nil, fmt.Errorf("aux vector has %d digests, want %d", len(aux), perLevel*int(geo.Height))
	}
	cur := leafDigest
	for level := uint32(0); level < geo.Height; level++ {
		self := geo.indexAt(label, level) % uint64(geo.Fanout)
		sibs := aux[int(level)*perLevel : (int(level)+1)*perLevel]
		h := sha256.New()
		s := 0
		for i := uint64(0); i < uint64(geo.Fanout); i++ {
			if i == self {
				h.Write(cur)
			} else {
				h.Write(sibs[s])
				s++
			}
		}
		cur = h.Sum(nil)
	}
	return cur, nil
}
