package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/tui"
)

// InsertCmd inserts a new credential
type InsertCmd struct {
	commonFlags
	Schedule    string `short:"s" help:"Delay schedule, e.g. '5:30,10:300,15:forever' (default from config)"`
	PinFile     string `help:"Read the PIN from this file, '-' for stdin (interactive prompt when omitted)"`
	ResetSecret string `help:"Reset secret as hex (generated and printed when omitted)"`
}

// Run executes the insert command
func (c *InsertCmd) Run() error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}

	var sched delay.Schedule
	if c.Schedule != "" {
		sched, err = delay.Parse(c.Schedule)
	} else {
		sched, err = cfg.DefaultSchedule()
	}
	if err != nil {
		return err
	}

	var reset []byte
	generated := false
	if c.ResetSecret != "" {
		reset, err = hex.DecodeString(c.ResetSecret)
		if err != nil {
			return fmt.Errorf("invalid reset secret: %v", err)
		}
	} else {
		reset = make([]byte, 32)
		if _, err := rand.Read(reset); err != nil {
			return err
		}
		generated = true
	}

	var pin []byte
	if c.PinFile != "" {
		pin, err = readSecret(c.PinFile)
	} else {
		var entered string
		entered, err = tui.PromptConfirm("New PIN")
		pin = []byte(entered)
	}
	if err != nil {
		return err
	}

	mgr, store, err := openManager(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	label, err := mgr.InsertCredential(pin, reset, sched)
	if err != nil {
		return err
	}

	fmt.Printf("inserted credential %d\n", label)
	fmt.Printf("  schedule: %s\n", sched)
	if generated {
		fmt.Printf("  reset secret: %s\n", hex.EncodeToString(reset))
		fmt.Printf("  store it safely, it is the only way out of a permanent lockout\n")
	}
	return nil
}
