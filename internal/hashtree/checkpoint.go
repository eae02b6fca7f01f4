package hashtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zaolin/pinguard/internal/compress"
)

// Checkpoint payload (inside the compression layer):
// <4-byte magic><1-byte version><8-byte generation><32-byte root>
// <4-byte leaf count>(<4-byte size><leaf blob>)*
var checkpointMagic = [4]byte{'P', 'G', 'C', 'P'}

const checkpointVersion = 1

// ErrMalformedCheckpoint indicates a checkpoint that cannot be decoded.
var ErrMalformedCheckpoint = errors.New("malformed checkpoint")

// Checkpoint is a self-contained copy of the tree at one generation, the
// restore source for resynchronization.
type Checkpoint struct {
	Generation uint64
	Root       []byte
	Leaves     []*LeafMetadata
}

// WriteCheckpoint captures the current tree into the checkpoints
// directory, compressed with algorithm, and returns the file path.
func (s *Store) WriteCheckpoint(algorithm string) (string, error) {
	var payload bytes.Buffer
	payload.Write(checkpointMagic[:])
	payload.WriteByte(checkpointVersion)
	payload.Write(binary.BigEndian.AppendUint64(nil, s.generation))
	payload.Write(s.root)
	payload.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s.leaves))))
	for _, label := range s.Labels() {
		blob := s.leaves[label].Encode()
		payload.Write(binary.BigEndian.AppendUint32(nil, uint32(len(blob))))
		payload.Write(blob)
	}

	var compressed bytes.Buffer
	w, err := compress.NewWriter(&compressed, algorithm)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%016x.ckpt%s", s.generation, compress.Ext(algorithm))
	path := filepath.Join(s.dir, checkpointsDir, name)
	if err := writeFileSync(path, compressed.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return path, nil
}

// Checkpoints lists checkpoint file paths, newest generation first.
func (s *Store) Checkpoints() ([]string, error) {
	dir := filepath.Join(s.dir, checkpointsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	type ck struct {
		gen  uint64
		path string
	}
	var cks []ck
	for _, e := range entries {
		name := e.Name()
		base, _, _ := strings.Cut(name, ".")
		gen, err := strconv.ParseUint(base, 16, 64)
		if err != nil {
			continue
		}
		cks = append(cks, ck{gen, filepath.Join(dir, name)})
	}
	sort.Slice(cks, func(i, j int) bool { return cks[i].gen > cks[j].gen })
	paths := make([]string, len(cks))
	for i, c := range cks {
		paths[i] = c.path
	}
	return paths, nil
}

// PruneCheckpoints removes all but the newest keep checkpoints.
func (s *Store) PruneCheckpoints(keep int) error {
	paths, err := s.Checkpoints()
	if err != nil {
		return err
	}
	for i := keep; i < len(paths); i++ {
		if err := os.Remove(paths[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadCheckpoint loads and decodes a checkpoint file. The compression
// algorithm is inferred from the filename extension.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := compress.NewReader(f, compress.ByExt(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCheckpoint, err)
	}
	if len(payload) < 4+1+8+DigestSize+4 {
		return nil, fmt.Errorf("%w: payload too short", ErrMalformedCheckpoint)
	}
	if [4]byte(payload[:4]) != checkpointMagic || payload[4] != checkpointVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrMalformedCheckpoint)
	}
	cp := &Checkpoint{
		Generation: binary.BigEndian.Uint64(payload[5:]),
		Root:       append([]byte(nil), payload[13:13+DigestSize]...),
	}
	count := binary.BigEndian.Uint32(payload[13+DigestSize:])
	rest := payload[13+DigestSize+4:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated leaf table", ErrMalformedCheckpoint)
		}
		size := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint32(len(rest)) < size {
			return nil, fmt.Errorf("%w: truncated leaf blob", ErrMalformedCheckpoint)
		}
		md, err := DecodeLeaf(rest[:size])
		if err != nil {
			return nil, err
		}
		cp.Leaves = append(cp.Leaves, md)
		rest = rest[size:]
	}
	return cp, nil
}

// Restore replaces the store's content with the checkpoint: leaf files
// are rewritten, the tree rebuilt, and the checkpoint's root committed
// under a fresh generation. The caller is responsible for having verified
// the checkpoint root against the backend first.
func (s *Store) Restore(cp *Checkpoint) error {
	rebuilt := newTree(s.geo)
	leaves := make(map[uint64]*LeafMetadata, len(cp.Leaves))
	for _, md := range cp.Leaves {
		if !s.geo.ValidLabel(md.Label) {
			return fmt.Errorf("%w: label %016x out of range", ErrMalformedCheckpoint, md.Label)
		}
		leaves[md.Label] = md.Clone()
		rebuilt.setLeaf(md.Label, md.Digest())
	}
	if root := rebuilt.root(); !equalDigest(root, cp.Root) {
		return fmt.Errorf("%w: leaves hash to %x, checkpoint claims %x", ErrMalformedCheckpoint, root, cp.Root)
	}

	// Rewrite the leaves directory before touching the root file, same
	// leaf-first ordering as normal commits.
	for _, label := range s.Labels() {
		if _, ok := leaves[label]; !ok {
			if err := os.Remove(s.leafPath(label)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to drop stale leaf %016x: %w", label, err)
			}
		}
	}
	for label, md := range leaves {
		if err := writeFileSync(s.leafPath(label), md.Encode(), 0600); err != nil {
			return fmt.Errorf("failed to restore leaf %016x: %w", label, err)
		}
	}

	s.leaves = leaves
	s.tree = rebuilt
	s.root = rebuilt.root()
	return s.commitRoot()
}
