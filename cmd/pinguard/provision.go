package main

import (
	"fmt"
	"time"

	"github.com/zaolin/pinguard/internal/backend"
)

// ProvisionCmd provisions the TPM backend
type ProvisionCmd struct {
	commonFlags
	Wait time.Duration `help:"Wait up to this long for the TPM device to appear"`
}

// Run executes the provision command
func (c *ProvisionCmd) Run() error {
	cfg, _, err := c.load()
	if err != nil {
		return err
	}
	if cfg.Backend != "tpm" {
		return fmt.Errorf("backend %s needs no provisioning", cfg.Backend)
	}

	opts, err := tpmOptions(cfg)
	if err != nil {
		return err
	}
	if c.Wait > 0 && !backend.WaitForDevice(opts.Device, c.Wait) {
		return fmt.Errorf("TPM device %s did not appear within %s", opts.Device, c.Wait)
	}

	t, err := backend.Provision(cfg.Geometry(), opts)
	if err != nil {
		return err
	}

	root, err := t.GetCurrentRoot()
	if err != nil {
		return err
	}
	fmt.Printf("provisioned TPM backend\n")
	fmt.Printf("  device key NV: 0x%08x\n", opts.DeviceKeyNV)
	fmt.Printf("  anchor NV:     0x%08x\n", opts.AnchorNV)
	fmt.Printf("  sealed state:  %s\n", opts.StatePath)
	if len(opts.PCRs) > 0 {
		fmt.Printf("  bound PCRs:    %v\n", opts.PCRs)
	}
	fmt.Printf("  empty root:    %x\n", root)
	return nil
}
