package main

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zaolin/pinguard/internal/manager"
	"github.com/zaolin/pinguard/internal/tui"
)

// CheckCmd checks a credential
type CheckCmd struct {
	commonFlags
	Label   uint64 `arg:"" help:"Credential label"`
	PinFile string `help:"Read the PIN from this file, '-' for stdin (interactive prompt when omitted)"`
	Quiet   bool   `short:"q" help:"Print only the passkey"`
}

// Run executes the check command
func (c *CheckCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	mgr, store, err := openManager(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var pin []byte
	if c.PinFile != "" {
		pin, err = readSecret(c.PinFile)
	} else {
		var entered string
		entered, err = tui.Prompt("PIN")
		pin = []byte(entered)
	}
	if err != nil {
		return err
	}

	passkey, err := mgr.CheckCredential(c.Label, pin)
	switch {
	case err == nil:
	case errors.Is(err, manager.ErrTooManyAttempts):
		if info, ierr := mgr.GetLeafData(c.Label); ierr == nil && info.Locked {
			return fmt.Errorf("credential %d locked for %s: %w", c.Label, info.LockedFor, err)
		}
		return err
	default:
		return err
	}

	if c.Quiet {
		fmt.Println(hex.EncodeToString(passkey))
		return nil
	}
	fmt.Printf("credential %d verified\n", c.Label)
	fmt.Printf("  passkey: %s\n", hex.EncodeToString(passkey))
	return nil
}
