package backend

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zaolin/pinguard/internal/hashtree"
)

// Soft is the in-process software backend: the full verification engine
// with no hardware anchor. It exists for development setups without a TPM
// and for tests; its state file is neither encrypted nor replay-protected,
// so it offers no protection against an attacker with disk access.
type Soft struct {
	mu   sync.Mutex
	eng  *engine
	path string
}

// SoftOptions configures a software backend.
type SoftOptions struct {
	// StatePath, when set, persists backend state across process restarts.
	StatePath string

	// DeviceKey overrides the random passkey-derivation key. Tests use
	// this for deterministic passkeys.
	DeviceKey []byte

	// Now overrides the backend clock (seconds). Tests use this to step
	// through lockout windows.
	Now func() uint64
}

type softState struct {
	DeviceKey []byte
	Snapshot  *snapshot
}

// NewSoft creates a software backend, loading prior state from
// opts.StatePath when present.
func NewSoft(geo hashtree.Geometry, opts SoftOptions) (*Soft, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	key := opts.DeviceKey
	var prior *softState
	if opts.StatePath != "" {
		blob, err := os.ReadFile(opts.StatePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read backend state: %w", err)
		default:
			prior = &softState{}
			if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(prior); err != nil {
				return nil, fmt.Errorf("failed to decode backend state: %w", err)
			}
			key = prior.DeviceKey
		}
	}
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}

	s := &Soft{eng: newEngine(geo, key), path: opts.StatePath}
	if opts.Now != nil {
		s.eng.now = opts.Now
	}
	if prior != nil {
		if err := s.eng.restore(prior.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to restore backend state: %w", err)
		}
	} else if opts.StatePath != "" {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Soft) persistLocked() error {
	if s.path == "" {
		return nil
	}
	var buf bytes.Buffer
	st := &softState{DeviceKey: s.eng.deviceKey, Snapshot: s.eng.snapshot()}
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("failed to encode backend state: %w", err)
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write backend state: %w", err)
	}
	return nil
}

// InsertLeaf implements SecureBackend.
func (s *Soft) InsertLeaf(label uint64, valueHash, resetHash []byte, aux [][]byte, schedule []byte) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.eng.insertLeaf(label, valueHash, resetHash, aux, schedule)
	if code == CodeSuccess {
		if err := s.persistLocked(); err != nil {
			return CodeOpFailed, nil
		}
	}
	return code, nil
}

// CheckCredential implements SecureBackend.
func (s *Soft) CheckCredential(label uint64, secret []byte, aux [][]byte) (*CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.eng.check(label, secret, aux)
	if res.Code == CodeSuccess || res.Code == CodeInvalidSecret {
		if err := s.persistLocked(); err != nil {
			return &CheckResult{Code: CodeOpFailed}, nil
		}
	}
	return res, nil
}

// ResetCredential implements SecureBackend.
func (s *Soft) ResetCredential(label uint64, resetSecret []byte, aux [][]byte) (*CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.eng.reset(label, resetSecret, aux)
	if res.Code == CodeSuccess || res.Code == CodeInvalidResetSecret {
		if err := s.persistLocked(); err != nil {
			return &CheckResult{Code: CodeOpFailed}, nil
		}
	}
	return res, nil
}

// RemoveLeaf implements SecureBackend.
func (s *Soft) RemoveLeaf(label uint64, aux [][]byte) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.eng.removeLeaf(label, aux)
	if code == CodeSuccess {
		if err := s.persistLocked(); err != nil {
			return CodeOpFailed, nil
		}
	}
	return code, nil
}

// GetCurrentRoot implements SecureBackend.
func (s *Soft) GetCurrentRoot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.eng.root...), nil
}

// GetCurrentTime implements SecureBackend.
func (s *Soft) GetCurrentTime() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.now(), nil
}
