package main

import (
	"encoding/hex"
	"fmt"

	"github.com/zaolin/pinguard/internal/tui"
)

// ResetCmd resets a credential's attempt counter
type ResetCmd struct {
	commonFlags
	Label       uint64 `arg:"" help:"Credential label"`
	ResetSecret string `help:"Reset secret as hex (prompted when omitted)"`
}

// Run executes the reset command
func (c *ResetCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	var reset []byte
	if c.ResetSecret != "" {
		reset, err = hex.DecodeString(c.ResetSecret)
		if err != nil {
			return fmt.Errorf("invalid reset secret: %v", err)
		}
	} else {
		entered, err := tui.Prompt("Reset secret (hex)")
		if err != nil {
			return err
		}
		reset, err = hex.DecodeString(entered)
		if err != nil {
			return fmt.Errorf("invalid reset secret: %v", err)
		}
	}

	mgr, store, err := openManager(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.ResetCredential(c.Label, reset); err != nil {
		return err
	}
	fmt.Printf("credential %d reset, attempt counter cleared\n", c.Label)
	return nil
}
