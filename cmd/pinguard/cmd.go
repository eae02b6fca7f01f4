package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/sirupsen/logrus"

	"github.com/zaolin/pinguard/internal/backend"
	"github.com/zaolin/pinguard/internal/config"
	"github.com/zaolin/pinguard/internal/hashtree"
	"github.com/zaolin/pinguard/internal/manager"
)

// CLI defines the root command structure with subcommands
type CLI struct {
	Provision ProvisionCmd `cmd:"" help:"Provision the TPM backend (NV indices, device key, empty state)"`
	Insert    InsertCmd    `cmd:"" help:"Insert a new credential"`
	Check     CheckCmd     `cmd:"" help:"Check a credential and release its passkey"`
	Reset     ResetCmd     `cmd:"" help:"Reset a credential's attempt counter with its reset secret"`
	Remove    RemoveCmd    `cmd:"" help:"Remove a credential"`
	Status    StatusCmd    `cmd:"" help:"Show store and credential status"`
	Sync      SyncCmd      `cmd:"" help:"Reconcile the on-disk tree with the backend root"`
	Export    ExportCmd    `cmd:"" help:"Export the on-disk tree as a snapshot archive"`
	Import    ImportCmd    `cmd:"" help:"Import a snapshot archive into the store"`
}

// commonFlags are shared by every subcommand and overlay the config file.
type commonFlags struct {
	Config  string `type:"path" help:"Path to TOML config file"`
	Store   string `help:"Override store directory"`
	Backend string `enum:",tpm,soft" default:"" help:"Override backend (tpm, soft)"`
	Debug   bool   `short:"d" help:"Enable debug output"`
}

func (f *commonFlags) load() (*config.Config, logrus.FieldLogger, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, nil, err
	}
	if f.Store != "" {
		cfg.StoreDir = f.Store
	}
	if f.Backend != "" {
		cfg.Backend = f.Backend
	}
	if f.Debug {
		cfg.Debug = true
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return cfg, log, nil
}

// readSecret reads a secret from path, or stdin when path is "-". One
// trailing newline is stripped so `echo` and heredocs work as expected.
func readSecret(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.New("empty secret")
	}
	return data, nil
}

func parseBank(name string) (tpm2.TPMAlgID, error) {
	switch strings.ToLower(name) {
	case "", "sha256":
		return tpm2.TPMAlgSHA256, nil
	case "sha1":
		return tpm2.TPMAlgSHA1, nil
	case "sha384":
		return tpm2.TPMAlgSHA384, nil
	default:
		return 0, fmt.Errorf("unknown PCR bank: %s", name)
	}
}

func tpmOptions(cfg *config.Config) (backend.TPMOptions, error) {
	bank, err := parseBank(cfg.TPM.Bank)
	if err != nil {
		return backend.TPMOptions{}, err
	}
	statePath := cfg.TPM.StatePath
	if statePath == "" {
		statePath = cfg.StoreDir + "/tpm.state"
	}
	return backend.TPMOptions{
		Device:      cfg.TPM.Device,
		StatePath:   statePath,
		DeviceKeyNV: cfg.TPM.DeviceKeyNV,
		AnchorNV:    cfg.TPM.AnchorNV,
		PCRs:        cfg.TPM.PCRs,
		Bank:        bank,
	}, nil
}

func openBackend(cfg *config.Config) (backend.SecureBackend, error) {
	geo := cfg.Geometry()
	switch cfg.Backend {
	case "tpm":
		opts, err := tpmOptions(cfg)
		if err != nil {
			return nil, err
		}
		return backend.NewTPM(geo, opts)
	case "soft":
		statePath := cfg.Soft.StatePath
		if statePath == "" {
			statePath = cfg.StoreDir + "/soft.state"
		}
		return backend.NewSoft(geo, backend.SoftOptions{StatePath: statePath})
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// openManager wires store, backend and manager. Callers must Close the
// returned store.
func openManager(cfg *config.Config, log logrus.FieldLogger) (*manager.Manager, *hashtree.Store, error) {
	store, err := hashtree.Open(cfg.StoreDir, cfg.Geometry(), log)
	if err != nil {
		return nil, nil, err
	}
	be, err := openBackend(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	mgr, err := manager.New(store, be, log, manager.Options{
		CheckpointAlgorithm: cfg.Compression,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return mgr, store, nil
}
