package archive

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/sirupsen/logrus"

	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

func newStore(t *testing.T, dir string) *hashtree.Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := hashtree.Open(dir, hashtree.Geometry{Fanout: 4, Height: 3}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExportImportRoundTrip(t *testing.T) {
	src := t.TempDir()
	s := newStore(t, src)
	for _, label := range []uint64{1, 5, 9} {
		md := &hashtree.LeafMetadata{
			Label:     label,
			ValueHash: bytes.Repeat([]byte{byte(label)}, hashtree.DigestSize),
			Schedule:  delay.Schedule{{Threshold: 3, Seconds: 10}},
		}
		if _, err := s.InsertLeaf(label, md); err != nil {
			t.Fatal(err)
		}
	}
	wantRoot := s.RootDigest()
	wantGen := s.Generation()
	s.Close()

	var snap bytes.Buffer
	if err := Export(src, &snap, "zstd"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	gen, root, err := Inspect(bytes.NewReader(snap.Bytes()), "zstd")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if gen != wantGen || !bytes.Equal(root, wantRoot) {
		t.Errorf("Inspect = (%d, %x), want (%d, %x)", gen, root, wantGen, wantRoot)
	}

	dst := t.TempDir()
	gen, root, err = Import(bytes.NewReader(snap.Bytes()), "zstd", dst)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !bytes.Equal(root, wantRoot) {
		t.Errorf("imported root %x, want %x", root, wantRoot)
	}

	restored := newStore(t, dst)
	if err := restored.VerifyIntegrity(); err != nil {
		t.Fatalf("imported store fails integrity: %v", err)
	}
	if !bytes.Equal(restored.RootDigest(), wantRoot) {
		t.Error("imported store has wrong root")
	}
	if got := restored.Labels(); len(got) != 3 {
		t.Errorf("imported store has labels %v", got)
	}
}

func TestImportReplacesStaleLeaves(t *testing.T) {
	src := t.TempDir()
	s := newStore(t, src)
	md := &hashtree.LeafMetadata{
		Label:     2,
		ValueHash: bytes.Repeat([]byte{2}, hashtree.DigestSize),
		Schedule:  delay.Schedule{{Threshold: 3, Seconds: 10}},
	}
	if _, err := s.InsertLeaf(2, md); err != nil {
		t.Fatal(err)
	}
	s.Close()

	var snap bytes.Buffer
	if err := Export(src, &snap, "none"); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	stale := newStore(t, dst)
	staleMd := &hashtree.LeafMetadata{
		Label:     7,
		ValueHash: bytes.Repeat([]byte{7}, hashtree.DigestSize),
		Schedule:  delay.Schedule{{Threshold: 3, Seconds: 10}},
	}
	if _, err := stale.InsertLeaf(7, staleMd); err != nil {
		t.Fatal(err)
	}
	stale.Close()

	if _, _, err := Import(bytes.NewReader(snap.Bytes()), "none", dst); err != nil {
		t.Fatalf("Import: %v", err)
	}
	restored := newStore(t, dst)
	if err := restored.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity after import over stale store: %v", err)
	}
	if got := restored.Labels(); len(got) != 1 || got[0] != 2 {
		t.Errorf("labels after import: %v", got)
	}
}

func TestInspectRejectsRootlessSnapshot(t *testing.T) {
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)
	content := []byte("not a root file")
	if err := w.WriteHeader(&cpio.Header{Name: "stray", Mode: cpio.TypeReg | 0600, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if _, _, err := Inspect(bytes.NewReader(buf.Bytes()), "none"); !errors.Is(err, ErrNoRoot) {
		t.Errorf("Inspect of rootless snapshot: %v, want ErrNoRoot", err)
	}
}
