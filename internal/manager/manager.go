// Package manager orchestrates the low-entropy credential store: it keeps
// the on-disk hash tree and the secure backend in lockstep, gates
// attempts on the delay schedule before any backend round trip, and
// translates backend verdicts into caller-facing errors.
package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zaolin/pinguard/internal/backend"
	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// Options tunes a Manager.
type Options struct {
	// CheckpointAlgorithm compresses tree checkpoints; empty means zstd.
	CheckpointAlgorithm string

	// CheckpointKeep bounds the checkpoint history; zero means 4.
	CheckpointKeep int
}

// Manager is the single entry point for credential operations. Mutating
// operations serialize on one lock: the backend is a single stateful
// resource and the on-disk root must move atomically relative to it.
// Read-only queries take the read side and never touch the backend.
type Manager struct {
	mu    sync.RWMutex
	store *hashtree.Store
	be    backend.SecureBackend
	log   logrus.FieldLogger

	ckAlg  string
	ckKeep int
}

// New wires a manager over an opened store and a backend, verifying
// integrity and resynchronizing against the backend root before any
// operation is served.
func New(store *hashtree.Store, be backend.SecureBackend, log logrus.FieldLogger, opts Options) (*Manager, error) {
	m := &Manager{
		store:  store,
		be:     be,
		log:    log,
		ckAlg:  opts.CheckpointAlgorithm,
		ckKeep: opts.CheckpointKeep,
	}
	if m.ckAlg == "" {
		m.ckAlg = "zstd"
	}
	if m.ckKeep == 0 {
		m.ckKeep = 4
	}
	if err := m.resync(); err != nil {
		return nil, err
	}
	return m, nil
}

// resync reconciles the on-disk tree with the backend root, which is
// ground truth. It heals a torn root commit when the stored leaves
// already hash to the backend root, otherwise rewinds to the newest
// checkpoint matching it. Callers hold the write lock (or are inside New).
func (m *Manager) resync() error {
	backendRoot, err := m.be.GetCurrentRoot()
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}

	if err := m.store.VerifyIntegrity(); err != nil {
		m.log.WithError(err).Warn("stored root does not cover stored leaves")
	} else if bytesEqual(m.store.RootDigest(), backendRoot) {
		return nil
	}

	// The leaves may already agree with the backend and only the root
	// commit was torn.
	if err := m.store.CommitComputedRoot(); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if bytesEqual(m.store.RootDigest(), backendRoot) {
		m.log.Info("resync: recommitted root from stored leaves")
		return nil
	}

	paths, err := m.store.Checkpoints()
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	for _, path := range paths {
		cp, err := hashtree.ReadCheckpoint(path)
		if err != nil {
			m.log.WithError(err).WithField("checkpoint", path).Warn("skipping unreadable checkpoint")
			continue
		}
		if !bytesEqual(cp.Root, backendRoot) {
			continue
		}
		if err := m.store.Restore(cp); err != nil {
			return fmt.Errorf("resync: restore: %w", err)
		}
		m.log.WithField("checkpoint", path).Info("resync: restored checkpoint matching backend root")
		return nil
	}

	m.log.Error("resync failed: no local state matches the backend root")
	return fmt.Errorf("%w: no recoverable state", ErrHashTree)
}

// Sync forces a resynchronization pass.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resync()
}

func (m *Manager) checkpoint() {
	if _, err := m.store.WriteCheckpoint(m.ckAlg); err != nil {
		m.log.WithError(err).Warn("failed to write checkpoint")
		return
	}
	if err := m.store.PruneCheckpoints(m.ckKeep); err != nil {
		m.log.WithError(err).Warn("failed to prune checkpoints")
	}
}

// InsertCredential provisions a new credential and returns its label.
func (m *Manager) InsertCredential(secret, resetSecret []byte, sched delay.Schedule) (uint64, error) {
	if len(secret) == 0 || len(resetSecret) == 0 {
		return 0, fmt.Errorf("%w: empty secret", ErrInvalidMetadata)
	}
	if err := sched.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	label, code, err := m.insertOnce(secret, resetSecret, sched)
	if err != nil {
		return 0, err
	}
	if needsResync(code) {
		if err := m.resolveDesync(code); err != nil {
			return 0, err
		}
		// One retry against the reconciled tree.
		label, code, err = m.insertOnce(secret, resetSecret, sched)
		if err != nil {
			return 0, err
		}
		if needsResync(code) {
			return 0, ErrHashTree
		}
	}
	if code != backend.CodeSuccess {
		return 0, classify(code)
	}

	m.checkpoint()
	m.log.WithField("label", fmt.Sprintf("%016x", label)).Info("credential inserted")
	return label, nil
}

// insertOnce stages the leaf on disk and offers it to the backend. The
// leaf is committed to disk first so a crash in between rolls forward
// into a resync that rewinds the disk copy; a backend rejection undoes
// the disk commit immediately.
func (m *Manager) insertOnce(secret, resetSecret []byte, sched delay.Schedule) (uint64, backend.Code, error) {
	label, err := m.store.NextFreeLabel()
	if errors.Is(err, hashtree.ErrTreeFull) {
		return 0, 0, ErrNoFreeLabel
	} else if err != nil {
		return 0, 0, err
	}

	aux, err := m.store.AuxHashes(label)
	if err != nil {
		return 0, 0, err
	}
	md := &hashtree.LeafMetadata{
		Label:     label,
		ValueHash: backend.DeriveValueHash(label, secret),
		Schedule:  sched,
	}
	if _, err := m.storeInsert(label, md); err != nil {
		return 0, 0, err
	}

	code, err := m.be.InsertLeaf(label, md.ValueHash,
		backend.DeriveResetHash(label, resetSecret), aux, sched.Encode())
	if err != nil {
		// Transport failure: the backend never took the leaf, undo disk.
		m.rollbackInsert(label)
		return 0, 0, fmt.Errorf("backend insert: %w", err)
	}
	if code != backend.CodeSuccess {
		m.rollbackInsert(label)
	}
	return label, code, nil
}

func (m *Manager) rollbackInsert(label uint64) {
	if _, err := m.store.RemoveLeaf(label); err != nil {
		m.log.WithError(err).Error("failed to roll back staged leaf")
	}
}

// CheckCredential verifies a low-entropy secret attempt, returning the
// released passkey on success. While the delay schedule holds the
// credential locked the backend is never contacted, so early attempts
// cannot be used to probe it.
func (m *Manager) CheckCredential(label uint64, secret []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.store.GetLeaf(label)
	if errors.Is(err, hashtree.ErrNotFound) {
		return nil, ErrInvalidLabel
	} else if err != nil {
		return nil, err
	}

	if err := m.gateLocked(md); err != nil {
		return nil, err
	}

	res, err := m.checkOnce(label, secret)
	if err != nil {
		return nil, err
	}
	if needsResync(res.Code) {
		if err := m.resolveDesync(res.Code); err != nil {
			return nil, err
		}
		// One retry against the reconciled tree.
		res, err = m.checkOnce(label, secret)
		if err != nil {
			return nil, err
		}
		if needsResync(res.Code) {
			return nil, ErrHashTree
		}
	}

	switch res.Code {
	case backend.CodeSuccess:
		if err := m.persistCounters(label, md, 0, 0); err != nil {
			return nil, err
		}
		return res.Passkey, nil
	case backend.CodeInvalidSecret:
		if err := m.persistCounters(label, md, res.AttemptCount, res.FailedAt); err != nil {
			return nil, err
		}
		m.log.WithFields(logrus.Fields{
			"label":    fmt.Sprintf("%016x", label),
			"attempts": res.AttemptCount,
		}).Debug("credential check failed")
		return nil, ErrInvalidSecret
	default:
		return nil, classify(res.Code)
	}
}

func (m *Manager) checkOnce(label uint64, secret []byte) (*backend.CheckResult, error) {
	aux, err := m.store.AuxHashes(label)
	if err != nil {
		return nil, err
	}
	res, err := m.be.CheckCredential(label, secret, aux)
	if err != nil {
		// Transport failure: the attempt is considered not to have
		// happened and no counters move.
		return nil, fmt.Errorf("backend check: %w", err)
	}
	return res, nil
}

// gateLocked rejects an attempt that falls inside the schedule's lockout
// window before it reaches the backend's credential engine. The window is
// evaluated on the backend clock, the domain LastFailed lives in; the
// host wall clock never participates, so it cannot be rolled back to slip
// past the schedule.
func (m *Manager) gateLocked(md *hashtree.LeafMetadata) error {
	d, forever := md.Schedule.ForAttempt(md.AttemptCount)
	if forever {
		return ErrCredentialLocked
	}
	if d == 0 {
		return nil
	}
	now, err := m.be.GetCurrentTime()
	if err != nil {
		return fmt.Errorf("backend clock: %w", err)
	}
	if now < md.LastFailed+uint64(d/time.Second) {
		return ErrTooManyAttempts
	}
	return nil
}

// persistCounters writes backend-authoritative counters into the leaf,
// retrying once on I/O failure before escalating to resync.
func (m *Manager) persistCounters(label uint64, md *hashtree.LeafMetadata, attempts uint32, failedAt uint64) error {
	md = md.Clone()
	md.AttemptCount = attempts
	md.LastFailed = failedAt
	if _, err := m.storeUpdate(label, md); err != nil {
		m.log.WithError(err).Error("failed to persist attempt counters")
		if rerr := m.resync(); rerr != nil {
			return rerr
		}
		return ErrHashTree
	}
	return nil
}

// storeInsert and storeUpdate retry once on I/O failure; transient disk
// contention should not cost the caller an operation.
func (m *Manager) storeInsert(label uint64, md *hashtree.LeafMetadata) ([]byte, error) {
	root, err := m.store.InsertLeaf(label, md)
	if err != nil && !errors.Is(err, hashtree.ErrLabelInUse) {
		root, err = m.store.InsertLeaf(label, md)
	}
	return root, err
}

func (m *Manager) storeUpdate(label uint64, md *hashtree.LeafMetadata) ([]byte, error) {
	root, err := m.store.UpdateLeaf(label, md)
	if err != nil && !errors.Is(err, hashtree.ErrNotFound) {
		root, err = m.store.UpdateLeaf(label, md)
	}
	return root, err
}

// resolveDesync runs the resync path for a desync-class backend code and
// reports ErrHashTree only if recovery failed.
func (m *Manager) resolveDesync(code backend.Code) error {
	m.log.WithField("code", code.String()).Warn("backend reports tree desync, resynchronizing")
	if err := m.resync(); err != nil {
		return err
	}
	return nil
}

// ResetCredential clears the attempt counter using the reset secret. A
// locked credential may be reset; that is the recovery path out of a
// permanent lockout.
func (m *Manager) ResetCredential(label uint64, resetSecret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.store.GetLeaf(label)
	if errors.Is(err, hashtree.ErrNotFound) {
		return ErrInvalidLabel
	} else if err != nil {
		return err
	}

	res, err := m.resetOnce(label, resetSecret)
	if err != nil {
		return err
	}
	if needsResync(res.Code) {
		if err := m.resolveDesync(res.Code); err != nil {
			return err
		}
		res, err = m.resetOnce(label, resetSecret)
		if err != nil {
			return err
		}
		if needsResync(res.Code) {
			return ErrHashTree
		}
	}

	switch res.Code {
	case backend.CodeSuccess:
		if err := m.persistCounters(label, md, 0, 0); err != nil {
			return err
		}
		m.log.WithField("label", fmt.Sprintf("%016x", label)).Info("credential reset")
		return nil
	case backend.CodeInvalidResetSecret:
		if err := m.persistCounters(label, md, res.AttemptCount, res.FailedAt); err != nil {
			return err
		}
		return ErrInvalidResetSecret
	default:
		return classify(res.Code)
	}
}

func (m *Manager) resetOnce(label uint64, resetSecret []byte) (*backend.CheckResult, error) {
	aux, err := m.store.AuxHashes(label)
	if err != nil {
		return nil, err
	}
	res, err := m.be.ResetCredential(label, resetSecret, aux)
	if err != nil {
		return nil, fmt.Errorf("backend reset: %w", err)
	}
	return res, nil
}

// RemoveCredential destroys the credential at label. Removing an absent
// label answers ErrInvalidLabel.
func (m *Manager) RemoveCredential(label uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetLeaf(label); errors.Is(err, hashtree.ErrNotFound) {
		return ErrInvalidLabel
	} else if err != nil {
		return err
	}

	aux, err := m.store.AuxHashes(label)
	if err != nil {
		return err
	}
	code, err := m.be.RemoveLeaf(label, aux)
	if err != nil {
		return fmt.Errorf("backend remove: %w", err)
	}
	if needsResync(code) {
		if err := m.resolveDesync(code); err != nil {
			return err
		}
		aux, err = m.store.AuxHashes(label)
		if err != nil {
			return err
		}
		code, err = m.be.RemoveLeaf(label, aux)
		if err != nil {
			return fmt.Errorf("backend remove: %w", err)
		}
		if needsResync(code) {
			return ErrHashTree
		}
	}
	if code != backend.CodeSuccess {
		return classify(code)
	}

	if _, err := m.store.RemoveLeaf(label); err != nil {
		m.log.WithError(err).Error("backend evicted leaf but disk removal failed")
		if rerr := m.resync(); rerr != nil {
			return rerr
		}
		return ErrHashTree
	}
	m.checkpoint()
	m.log.WithField("label", fmt.Sprintf("%016x", label)).Info("credential removed")
	return nil
}
