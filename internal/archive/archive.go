// Package archive packs a credential store directory into a compressed
// CPIO snapshot and unpacks it again. Snapshots serve as offline backups
// and as a last-resort resync source.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"

	"github.com/zaolin/pinguard/internal/compress"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// ErrNoRoot indicates a snapshot without a root entry.
var ErrNoRoot = errors.New("snapshot carries no root file")

const (
	rootEntry  = "root"
	leavesName = "leaves"
)

// Export writes the store at dir as a compressed CPIO snapshot: the root
// file plus every leaf file. Checkpoints and the lock file stay behind,
// they are local artifacts.
func Export(dir string, w io.Writer, algorithm string) error {
	cw, err := compress.NewWriter(w, algorithm)
	if err != nil {
		return err
	}
	arch := cpio.NewWriter(cw)

	if err := addFile(arch, filepath.Join(dir, rootEntry), rootEntry); err != nil {
		return fmt.Errorf("failed to archive root: %w", err)
	}
	if err := addDir(arch, leavesName); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(dir, leavesName))
	if err != nil {
		return fmt.Errorf("failed to list leaves: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".leaf") {
			continue
		}
		src := filepath.Join(dir, leavesName, e.Name())
		if err := addFile(arch, src, leavesName+"/"+e.Name()); err != nil {
			return fmt.Errorf("failed to archive leaf %s: %w", e.Name(), err)
		}
	}

	if err := arch.Close(); err != nil {
		return err
	}
	return cw.Close()
}

func addFile(w *cpio.Writer, src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	hdr := &cpio.Header{
		Name: dst,
		Mode: cpio.TypeReg | 0600,
		Size: int64(len(content)),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

func addDir(w *cpio.Writer, name string) error {
	return w.WriteHeader(&cpio.Header{
		Name: name,
		Mode: cpio.TypeDir | 0700,
	})
}

// Inspect reads a snapshot far enough to report the generation and root
// digest it carries, without touching the filesystem.
func Inspect(r io.Reader, algorithm string) (uint64, []byte, error) {
	cr, err := compress.NewReader(r, algorithm)
	if err != nil {
		return 0, nil, err
	}
	defer cr.Close()

	arch := cpio.NewReader(cr)
	for {
		hdr, err := arch.Next()
		if errors.Is(err, io.EOF) {
			return 0, nil, ErrNoRoot
		}
		if err != nil {
			return 0, nil, err
		}
		if hdr.Name != rootEntry {
			continue
		}
		blob, err := io.ReadAll(arch)
		if err != nil {
			return 0, nil, err
		}
		return hashtree.DecodeRootFile(blob)
	}
}

// Import unpacks a snapshot into dir, replacing the root file and the
// whole leaves directory. The destination must not be opened by a running
// manager. Returns the imported generation and root digest.
func Import(r io.Reader, algorithm, dir string) (uint64, []byte, error) {
	cr, err := compress.NewReader(r, algorithm)
	if err != nil {
		return 0, nil, err
	}
	defer cr.Close()

	leaves := filepath.Join(dir, leavesName)
	if err := os.RemoveAll(leaves); err != nil {
		return 0, nil, fmt.Errorf("failed to clear leaves: %w", err)
	}
	if err := os.MkdirAll(leaves, 0700); err != nil {
		return 0, nil, err
	}

	var generation uint64
	var root []byte
	arch := cpio.NewReader(cr)
	for {
		hdr, err := arch.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, nil, err
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return 0, nil, fmt.Errorf("snapshot entry escapes destination: %q", hdr.Name)
		}
		switch {
		case hdr.Mode.IsDir():
			if err := os.MkdirAll(filepath.Join(dir, name), 0700); err != nil {
				return 0, nil, err
			}
		case hdr.Mode.IsRegular():
			content, err := io.ReadAll(arch)
			if err != nil {
				return 0, nil, err
			}
			if name == rootEntry {
				generation, root, err = hashtree.DecodeRootFile(content)
				if err != nil {
					return 0, nil, err
				}
			}
			if err := os.WriteFile(filepath.Join(dir, name), content, 0600); err != nil {
				return 0, nil, err
			}
		}
	}
	if root == nil {
		return 0, nil, ErrNoRoot
	}
	return generation, root, nil
}
