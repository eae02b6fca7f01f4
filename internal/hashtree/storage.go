package hashtree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Root file format: <4-byte magic><1-byte version><8-byte generation>
// <32-byte root digest>
var rootMagic = [4]byte{'P', 'G', 'R', 'T'}

const rootVersion = 1

var (
	// ErrNotFound indicates no leaf is stored at the requested label.
	ErrNotFound = errors.New("label not found")

	// ErrLabelInUse indicates an insert at an occupied label.
	ErrLabelInUse = errors.New("label already in use")

	// ErrTreeFull indicates no free label remains.
	ErrTreeFull = errors.New("hash tree is full")

	// ErrRootMismatch indicates the recorded root digest disagrees with the
	// root recomputed from the stored leaves: a torn write or tampering.
	ErrRootMismatch = errors.New("recorded root does not match stored leaves")

	// ErrStoreLocked indicates another process holds the store lock.
	ErrStoreLocked = errors.New("credential store is locked by another process")
)

const (
	lockFile       = "lock"
	rootFile       = "root"
	leavesDir      = "leaves"
	checkpointsDir = "checkpoints"
)

// Store is the durable hash tree: a directory of per-label leaf files plus
// a root file carrying the last committed root digest and a generation
// counter. All mutations commit leaf-first, root-last, each step through a
// temp file, fsync and rename, so a crash leaves the previous generation
// intact and detectable.
type Store struct {
	dir  string
	geo  Geometry
	log  logrus.FieldLogger
	lock *os.File

	tree       *tree
	leaves     map[uint64]*LeafMetadata
	generation uint64
	root       []byte
}

// Open locks and loads the store at dir, creating it when absent. The
// returned store's integrity is not yet verified against the recorded
// root; call VerifyIntegrity (the manager does this before serving).
func Open(dir string, geo Geometry, log logrus.FieldLogger) (*Store, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	for _, d := range []string{dir, filepath.Join(dir, leavesDir), filepath.Join(dir, checkpointsDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreLocked, err)
	}

	s := &Store{
		dir:    dir,
		geo:    geo,
		log:    log,
		lock:   lock,
		tree:   newTree(geo),
		leaves: make(map[uint64]*LeafMetadata),
	}
	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	err := s.lock.Close()
	s.lock = nil
	return err
}

func (s *Store) load() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, leavesDir))
	if err != nil {
		return fmt.Errorf("failed to list leaves: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".leaf") {
			continue
		}
		label, err := strconv.ParseUint(strings.TrimSuffix(name, ".leaf"), 16, 64)
		if err != nil || !s.geo.ValidLabel(label) {
			s.log.WithField("file", name).Warn("ignoring stray file in leaves directory")
			continue
		}
		blob, err := os.ReadFile(filepath.Join(s.dir, leavesDir, name))
		if err != nil {
			return fmt.Errorf("failed to read leaf %016x: %w", label, err)
		}
		md, err := DecodeLeaf(blob)
		if err != nil {
			return fmt.Errorf("leaf %016x: %w", label, err)
		}
		if md.Label != label {
			return fmt.Errorf("leaf file %016x records label %016x", label, md.Label)
		}
		s.leaves[label] = md
		s.tree.setLeaf(label, md.Digest())
	}

	blob, err := os.ReadFile(filepath.Join(s.dir, rootFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh store: commit generation 0 over the empty tree.
		s.root = s.tree.root()
		return s.commitRoot()
	case err != nil:
		return fmt.Errorf("failed to read root file: %w", err)
	}

	gen, root, err := decodeRoot(blob)
	if err != nil {
		return err
	}
	s.generation = gen
	s.root = root
	return nil
}

// DecodeRootFile parses a root file blob into its generation counter and
// root digest. Snapshot import uses this to vet an archive before
// adopting it.
func DecodeRootFile(blob []byte) (uint64, []byte, error) {
	return decodeRoot(blob)
}

func decodeRoot(blob []byte) (uint64, []byte, error) {
	if len(blob) != 4+1+8+DigestSize {
		return 0, nil, fmt.Errorf("root file has %d bytes, want %d", len(blob), 4+1+8+DigestSize)
	}
	if [4]byte(blob[:4]) != rootMagic || blob[4] != rootVersion {
		return 0, nil, errors.New("root file has bad magic or version")
	}
	gen := binary.BigEndian.Uint64(blob[5:])
	return gen, append([]byte(nil), blob[13:]...), nil
}

func encodeRoot(generation uint64, root []byte) []byte {
	buf := make([]byte, 0, 4+1+8+DigestSize)
	buf = append(buf, rootMagic[:]...)
	buf = append(buf, rootVersion)
	buf = binary.BigEndian.AppendUint64(buf, generation)
	buf = append(buf, root...)
	return buf
}

// VerifyIntegrity recomputes the root from the loaded leaves and compares
// it with the recorded root. ErrRootMismatch means a torn write or
// host-side tampering and calls for resynchronization.
func (s *Store) VerifyIntegrity() error {
	if computed := s.tree.root(); !equalDigest(computed, s.root) {
		return fmt.Errorf("%w: recorded %x, computed %x (generation %d)",
			ErrRootMismatch, s.root, computed, s.generation)
	}
	return nil
}

// GetLeaf returns the stored metadata for label.
func (s *Store) GetLeaf(label uint64) (*LeafMetadata, error) {
	md, ok := s.leaves[label]
	if !ok {
		return nil, fmt.Errorf("%w: %016x", ErrNotFound, label)
	}
	return md.Clone(), nil
}

// AuxHashes returns label's membership proof, sibling digests ordered
// leaf-to-root. The label does not need to be occupied: inserts need the
// proof for the empty position they are about to fill.
func (s *Store) AuxHashes(label uint64) ([][]byte, error) {
	if !s.geo.ValidLabel(label) {
		return nil, fmt.Errorf("%w: %016x out of range", ErrNotFound, label)
	}
	return s.tree.auxHashes(label), nil
}

// LeafDigest returns the current tree digest at label (the empty-leaf
// digest for free positions).
func (s *Store) LeafDigest(label uint64) []byte {
	return append([]byte(nil), s.tree.nodeDigest(0, label)...)
}

// InsertLeaf stores metadata at a free label and commits, returning the
// new root digest.
func (s *Store) InsertLeaf(label uint64, md *LeafMetadata) ([]byte, error) {
	if !s.geo.ValidLabel(label) {
		return nil, fmt.Errorf("%w: %016x out of range", ErrNotFound, label)
	}
	if _, ok := s.leaves[label]; ok {
		return nil, fmt.Errorf("%w: %016x", ErrLabelInUse, label)
	}
	return s.commitLeaf(label, md)
}

// UpdateLeaf overwrites metadata at an occupied label and commits,
// returning the new root digest.
func (s *Store) UpdateLeaf(label uint64, md *LeafMetadata) ([]byte, error) {
	if _, ok := s.leaves[label]; !ok {
		return nil, fmt.Errorf("%w: %016x", ErrNotFound, label)
	}
	return s.commitLeaf(label, md)
}

// RemoveLeaf deletes the leaf at label and commits, returning the new
// root digest. The label becomes free for reuse.
func (s *Store) RemoveLeaf(label uint64) ([]byte, error) {
	if _, ok := s.leaves[label]; !ok {
		return nil, fmt.Errorf("%w: %016x", ErrNotFound, label)
	}
	if err := os.Remove(s.leafPath(label)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove leaf file: %w", err)
	}
	delete(s.leaves, label)
	s.root = s.tree.setLeaf(label, nil)
	if err := s.commitRoot(); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.root...), nil
}

func (s *Store) leafPath(label uint64) string {
	return filepath.Join(s.dir, leavesDir, fmt.Sprintf("%016x.leaf", label))
}

func (s *Store) commitLeaf(label uint64, md *LeafMetadata) ([]byte, error) {
	md = md.Clone()
	md.Label = label
	if err := writeFileSync(s.leafPath(label), md.Encode(), 0600); err != nil {
		return nil, fmt.Errorf("failed to commit leaf %016x: %w", label, err)
	}
	s.leaves[label] = md
	s.root = s.tree.setLeaf(label, md.Digest())
	if err := s.commitRoot(); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.root...), nil
}

func (s *Store) commitRoot() error {
	s.generation++
	path := filepath.Join(s.dir, rootFile)
	if err := writeFileSync(path, encodeRoot(s.generation, s.root), 0600); err != nil {
		s.generation--
		return fmt.Errorf("failed to commit root: %w", err)
	}
	return nil
}

// writeFileSync stages data to a temp file, fsyncs, renames into place
// and fsyncs the containing directory, so the path always holds either
// the old or the new content.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".staged-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// CommitComputedRoot recommits the root file from the in-memory tree,
// healing a crash that landed between a leaf rename and the root commit.
func (s *Store) CommitComputedRoot() error {
	s.root = s.tree.root()
	return s.commitRoot()
}

// RootDigest returns the last committed root digest.
func (s *Store) RootDigest() []byte {
	return append([]byte(nil), s.root...)
}

// Generation returns the commit counter of the last committed root.
func (s *Store) Generation() uint64 {
	return s.generation
}

// Geometry returns the tree shape the store was opened with.
func (s *Store) Geometry() Geometry {
	return s.geo
}

// Labels returns the occupied labels in ascending order.
func (s *Store) Labels() []uint64 {
	labels := make([]uint64, 0, len(s.leaves))
	for l := range s.leaves {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// NextFreeLabel returns the lowest unoccupied label, or ErrTreeFull.
func (s *Store) NextFreeLabel() (uint64, error) {
	max := s.geo.MaxLabels()
	if uint64(len(s.leaves)) >= max {
		return 0, ErrTreeFull
	}
	for label := uint64(0); label < max; label++ {
		if _, ok := s.leaves[label]; !ok {
			return label, nil
		}
	}
	return 0, ErrTreeFull
}

func equalDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
