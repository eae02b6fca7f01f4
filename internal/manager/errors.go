package manager

import (
	"errors"
	"fmt"

	"github.com/zaolin/pinguard/internal/backend"
)

// Manager-level results. These are deliberately a separate vocabulary
// from backend codes: the mapping below is the only bridge, so a new
// backend code cannot silently alias an existing caller-visible error.
var (
	// ErrInvalidLabel indicates no live credential exists at the label.
	ErrInvalidLabel = errors.New("invalid credential label")

	// ErrInvalidMetadata indicates unusable caller input (empty secret,
	// malformed delay schedule).
	ErrInvalidMetadata = errors.New("invalid credential metadata")

	// ErrInvalidSecret indicates the low-entropy secret was wrong.
	ErrInvalidSecret = errors.New("incorrect low-entropy secret")

	// ErrInvalidResetSecret indicates the reset secret was wrong.
	ErrInvalidResetSecret = errors.New("incorrect reset secret")

	// ErrTooManyAttempts indicates the credential is inside a lockout
	// window; retry after the delay elapses.
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrCredentialLocked indicates a permanent lockout that only a
	// successful reset clears.
	ErrCredentialLocked = errors.New("credential permanently locked")

	// ErrHashTree indicates the host tree and the backend diverged and
	// resynchronization did not recover.
	ErrHashTree = errors.New("hash tree out of sync")

	// ErrPCRMismatch indicates the platform integrity state changed; no
	// resync can fix this, the credential set needs re-provisioning.
	ErrPCRMismatch = errors.New("platform PCR state changed")

	// ErrNoFreeLabel indicates the tree is at capacity.
	ErrNoFreeLabel = errors.New("no free label in hash tree")

	// ErrUnclassified indicates a backend answer that makes no sense for
	// the operation issued.
	ErrUnclassified = errors.New("unclassified credential error")
)

// needsResync reports whether a backend code means the host's tree view
// may be stale. Hash-tree desync and generic backend op failures get the
// same answer because the remedy is the same; a policy mismatch
// explicitly does not, since no resync repairs a platform change.
func needsResync(code backend.Code) bool {
	return code == backend.CodeHashTreeSync || code == backend.CodeOpFailed
}

// classify maps a backend code to the manager-level error for codes that
// need no resync handling. Success maps to nil.
func classify(code backend.Code) error {
	switch code {
	case backend.CodeSuccess:
		return nil
	case backend.CodeInvalidSecret:
		return ErrInvalidSecret
	case backend.CodeInvalidResetSecret:
		return ErrInvalidResetSecret
	case backend.CodeTooManyAttempts:
		return ErrTooManyAttempts
	case backend.CodeHashTreeSync, backend.CodeOpFailed:
		return ErrHashTree
	case backend.CodePolicyMismatch:
		return ErrPCRMismatch
	default:
		return fmt.Errorf("%w: backend code %v", ErrUnclassified, code)
	}
}
