package main

import (
	"encoding/hex"
	"fmt"

	"github.com/zaolin/pinguard/internal/backend"
	"github.com/zaolin/pinguard/internal/hashtree"
	"github.com/zaolin/pinguard/internal/manager"
)

// StatusCmd shows store and credential status
type StatusCmd struct {
	commonFlags
	Label *uint64 `arg:"" optional:"" help:"Show a single credential"`
}

// Run executes the status command
func (c *StatusCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	store, err := hashtree.Open(cfg.StoreDir, cfg.Geometry(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	mgr, err := manager.New(store, be, log, manager.Options{
		CheckpointAlgorithm: cfg.Compression,
	})
	if err != nil {
		return err
	}

	if c.Label != nil {
		leaf, err := mgr.GetLeafData(*c.Label)
		if err != nil {
			return err
		}
		printLeaf(*leaf)
		return nil
	}

	st, err := mgr.GetStatus()
	if err != nil {
		return err
	}

	fmt.Printf("pinguard store: %s\n", cfg.StoreDir)
	fmt.Printf("  backend:    %s\n", cfg.Backend)
	fmt.Printf("  root:       %s\n", hex.EncodeToString(st.RootDigest))
	fmt.Printf("  generation: %d\n", st.Generation)
	fmt.Printf("  in sync:    %v\n", st.InSync)
	fmt.Printf("  credentials: %d of %d\n", len(st.Leaves), st.Capacity)
	for _, leaf := range st.Leaves {
		printLeaf(leaf)
	}

	if t, ok := be.(*backend.TPM); ok {
		printTPMLockout(t)
	}
	return nil
}

func printLeaf(leaf manager.LeafInfo) {
	state := "ok"
	switch {
	case leaf.Permanent:
		state = "locked permanently"
	case leaf.Locked:
		state = fmt.Sprintf("locked for %s", leaf.LockedFor)
	}
	fmt.Printf("    %d: attempts=%d schedule=%s %s\n",
		leaf.Label, leaf.AttemptCount, leaf.Schedule, state)
}

func printTPMLockout(t *backend.TPM) {
	if ls, err := t.GetLockoutStatus(); err == nil {
		fmt.Printf("  tpm lockout: in_lockout=%v counter=%d/%d recovery=%ds\n",
			ls.InLockout, ls.LockoutCounter, ls.MaxAuthFail, ls.LockoutRecovery)
	}
}
