package main

import (
	"fmt"
)

// RemoveCmd removes a credential
type RemoveCmd struct {
	commonFlags
	Label uint64 `arg:"" help:"Credential label"`
}

// Run executes the remove command
func (c *RemoveCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	mgr, store, err := openManager(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.RemoveCredential(c.Label); err != nil {
		return err
	}
	fmt.Printf("removed credential %d\n", c.Label)
	return nil
}

// SyncCmd reconciles the on-disk tree with the backend
type SyncCmd struct {
	commonFlags
}

// Run executes the sync command
func (c *SyncCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	// manager.New already reconciles on open, Sync reports any residual
	// divergence explicitly.
	mgr, store, err := openManager(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.Sync(); err != nil {
		return err
	}
	fmt.Printf("store in sync, generation %d\n", store.Generation())
	return nil
}
