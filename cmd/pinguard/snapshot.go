package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zaolin/pinguard/internal/archive"
	"github.com/zaolin/pinguard/internal/compress"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// ExportCmd exports the on-disk tree as a snapshot archive
type ExportCmd struct {
	commonFlags
	Output      string `short:"o" required:"" type:"path" help:"Output path for the snapshot"`
	Compression string `short:"c" help:"Compression algorithm (default from config)"`
}

// Run executes the export command
func (c *ExportCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}
	alg := c.Compression
	if alg == "" {
		alg = cfg.Compression
	}

	// Hold the store lock so the snapshot sees a consistent tree.
	store, err := hashtree.Open(cfg.StoreDir, cfg.Geometry(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Create(c.Output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := archive.Export(cfg.StoreDir, f, alg); err != nil {
		os.Remove(c.Output)
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	fmt.Printf("exported generation %d to %s\n", store.Generation(), c.Output)
	return nil
}

// ImportCmd imports a snapshot archive into the store
type ImportCmd struct {
	commonFlags
	Input       string `arg:"" type:"path" help:"Snapshot archive to import"`
	Compression string `short:"c" help:"Compression algorithm (default from file extension)"`
	Force       bool   `short:"f" help:"Import even when the store already has a newer generation"`
}

// Run executes the import command
func (c *ImportCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}
	alg := c.Compression
	if alg == "" {
		alg = compress.ByExt(filepath.Ext(c.Input))
	}

	f, err := os.Open(c.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	gen, root, err := archive.Inspect(f, alg)
	if err != nil {
		return err
	}

	// A snapshot whose root the backend does not hold can never pass
	// resync; adopting it only defers the failure.
	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	backendRoot, err := be.GetCurrentRoot()
	if err != nil {
		return err
	}
	if !c.Force && !bytes.Equal(root, backendRoot) {
		return fmt.Errorf("snapshot root %x disagrees with backend root %x (use --force)",
			root, backendRoot)
	}

	store, err := hashtree.Open(cfg.StoreDir, cfg.Geometry(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	if !c.Force && store.Generation() > gen {
		return fmt.Errorf("store generation %d is newer than snapshot generation %d (use --force)",
			store.Generation(), gen)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, _, err := archive.Import(f, alg, cfg.StoreDir); err != nil {
		return err
	}

	fmt.Printf("imported generation %d, root %s\n", gen, hex.EncodeToString(root))
	fmt.Printf("run 'pinguard sync' to reconcile with the backend\n")
	return nil
}
