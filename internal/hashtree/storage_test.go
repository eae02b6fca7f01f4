package hashtree

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Geometry{Fanout: 4, Height: 3}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInsertGetRemove(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	md := testLeaf(3, 0)
	root, err := s.InsertLeaf(3, md)
	if err != nil {
		t.Fatalf("InsertLeaf: %v", err)
	}
	if !bytes.Equal(root, s.RootDigest()) {
		t.Error("returned root disagrees with RootDigest")
	}

	got, err := s.GetLeaf(3)
	if err != nil {
		t.Fatalf("GetLeaf: %v", err)
	}
	if got.AttemptCount != 0 || !bytes.Equal(got.ValueHash, md.ValueHash) {
		t.Errorf("GetLeaf returned %+v", got)
	}

	// Mutating the returned copy must not touch the store.
	got.AttemptCount = 99
	again, _ := s.GetLeaf(3)
	if again.AttemptCount != 0 {
		t.Error("GetLeaf leaked internal state")
	}

	if _, err := s.InsertLeaf(3, md); !errors.Is(err, ErrLabelInUse) {
		t.Errorf("double insert: got %v, want ErrLabelInUse", err)
	}

	if _, err := s.RemoveLeaf(3); err != nil {
		t.Fatalf("RemoveLeaf: %v", err)
	}
	if _, err := s.RemoveLeaf(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetLeaf(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLeaf after remove: got %v, want ErrNotFound", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	var root []byte
	for _, label := range []uint64{0, 7, 12} {
		var err error
		root, err = s.InsertLeaf(label, testLeaf(label, uint32(label)))
		if err != nil {
			t.Fatalf("InsertLeaf(%d): %v", label, err)
		}
	}
	gen := s.Generation()
	s.Close()

	s2 := openTestStore(t, dir)
	if err := s2.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity after reopen: %v", err)
	}
	if !bytes.Equal(s2.RootDigest(), root) {
		t.Error("root digest changed across reopen")
	}
	if s2.Generation() != gen {
		t.Errorf("generation = %d, want %d", s2.Generation(), gen)
	}
	if got := s2.Labels(); len(got) != 3 || got[0] != 0 || got[1] != 7 || got[2] != 12 {
		t.Errorf("Labels() = %v", got)
	}
}

func TestStoreDetectsTornWrite(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.InsertLeaf(1, testLeaf(1, 0)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Simulate a crash between leaf rename and root commit: a leaf file
	// appears that the recorded root does not cover.
	md := testLeaf(2, 0)
	if err := os.WriteFile(filepath.Join(dir, "leaves", "0000000000000002.leaf"), md.Encode(), 0600); err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, dir)
	if err := s2.VerifyIntegrity(); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("VerifyIntegrity = %v, want ErrRootMismatch", err)
	}
}

func TestStoreRejectsSecondOpener(t *testing.T) {
	dir := t.TempDir()
	openTestStore(t, dir)
	if _, err := Open(dir, Geometry{Fanout: 4, Height: 3}, testLogger()); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("second Open = %v, want ErrStoreLocked", err)
	}
}

func TestNextFreeLabel(t *testing.T) {
	s, err := Open(t.TempDir(), Geometry{Fanout: 2, Height: 1}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	l, err := s.NextFreeLabel()
	if err != nil || l != 0 {
		t.Fatalf("NextFreeLabel = (%d, %v), want (0, nil)", l, err)
	}
	if _, err := s.InsertLeaf(0, testLeaf(0, 0)); err != nil {
		t.Fatal(err)
	}
	l, err = s.NextFreeLabel()
	if err != nil || l != 1 {
		t.Fatalf("NextFreeLabel = (%d, %v), want (1, nil)", l, err)
	}
	if _, err := s.InsertLeaf(1, testLeaf(1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NextFreeLabel(); !errors.Is(err, ErrTreeFull) {
		t.Errorf("full tree: got %v, want ErrTreeFull", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, alg := range []string{"none", "gzip", "zstd", "xz"} {
		t.Run(alg, func(t *testing.T) {
			s := openTestStore(t, t.TempDir())
			for _, label := range []uint64{2, 5} {
				if _, err := s.InsertLeaf(label, testLeaf(label, 1)); err != nil {
					t.Fatal(err)
				}
			}
			path, err := s.WriteCheckpoint(alg)
			if err != nil {
				t.Fatalf("WriteCheckpoint: %v", err)
			}
			cp, err := ReadCheckpoint(path)
			if err != nil {
				t.Fatalf("ReadCheckpoint: %v", err)
			}
			if !bytes.Equal(cp.Root, s.RootDigest()) {
				t.Error("checkpoint root mismatch")
			}
			if len(cp.Leaves) != 2 {
				t.Errorf("checkpoint has %d leaves, want 2", len(cp.Leaves))
			}
		})
	}
}

func TestRestoreRewindsStore(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.InsertLeaf(2, testLeaf(2, 0)); err != nil {
		t.Fatal(err)
	}
	wantRoot := s.RootDigest()
	path, err := s.WriteCheckpoint("zstd")
	if err != nil {
		t.Fatal(err)
	}

	// Diverge: extra leaf plus an update.
	if _, err := s.InsertLeaf(9, testLeaf(9, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateLeaf(2, testLeaf(2, 5)); err != nil {
		t.Fatal(err)
	}

	cp, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(cp); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(s.RootDigest(), wantRoot) {
		t.Error("root not rewound to checkpoint")
	}
	if err := s.VerifyIntegrity(); err != nil {
		t.Errorf("VerifyIntegrity after restore: %v", err)
	}
	if _, err := s.GetLeaf(9); !errors.Is(err, ErrNotFound) {
		t.Error("leaf 9 survived restore")
	}
	md, err := s.GetLeaf(2)
	if err != nil || md.AttemptCount != 0 {
		t.Errorf("leaf 2 after restore: %+v, %v", md, err)
	}

	// On-disk state must agree after reopen.
	s.Close()
	s2 := openTestStore(t, dir)
	if err := s2.VerifyIntegrity(); err != nil {
		t.Errorf("VerifyIntegrity after reopen: %v", err)
	}
	if !bytes.Equal(s2.RootDigest(), wantRoot) {
		t.Error("restored root lost across reopen")
	}
}

func TestPruneCheckpoints(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	for i := uint64(0); i < 4; i++ {
		if _, err := s.InsertLeaf(i, testLeaf(i, 0)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.WriteCheckpoint("none"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PruneCheckpoints(2); err != nil {
		t.Fatal(err)
	}
	paths, err := s.Checkpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Errorf("kept %d checkpoints, want 2", len(paths))
	}
}
