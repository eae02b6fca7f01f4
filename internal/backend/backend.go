// Package backend defines the secure-backend contract for low-entropy
// credential verification and provides two implementations: an in-process
// software backend and a TPM 2.0 anchored backend. The backend is the
// trust anchor: it performs the actual secret comparison and rate
// limiting, and it mirrors the hash-tree root so the host cannot replay
// stale tree snapshots undetected.
package backend

import "errors"

// Code is a logical backend verdict. Codes are distinct from transport
// errors: a Code means the backend processed the request and this is its
// answer; a transport error means the request never logically happened.
type Code int

const (
	// CodeSuccess means the operation succeeded.
	CodeSuccess Code = iota

	// CodeInvalidSecret means the low-entropy secret did not match.
	CodeInvalidSecret

	// CodeInvalidResetSecret means the reset secret did not match.
	CodeInvalidResetSecret

	// CodeTooManyAttempts means the credential is inside its lockout
	// window or permanently locked.
	CodeTooManyAttempts

	// CodeHashTreeSync means the host's membership proof disagrees with
	// the backend's trusted root; the host view is stale or tampered.
	CodeHashTreeSync

	// CodeOpFailed means the backend failed internally mid-operation.
	CodeOpFailed

	// CodePolicyMismatch means the platform integrity policy (PCR state)
	// no longer matches what the credential was bound to.
	CodePolicyMismatch
)

// String returns the code's wire-stable name.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidSecret:
		return "invalid-le-secret"
	case CodeInvalidResetSecret:
		return "invalid-reset-secret"
	case CodeTooManyAttempts:
		return "too-many-attempts"
	case CodeHashTreeSync:
		return "hash-tree-sync"
	case CodeOpFailed:
		return "op-failed"
	case CodePolicyMismatch:
		return "policy-mismatch"
	default:
		return "unknown"
	}
}

// ErrUnavailable indicates the backend device could not be reached. It is
// a transport error: the in-flight operation did not happen and no
// counters moved.
var ErrUnavailable = errors.New("secure backend not available")

// CheckResult is the outcome of a CheckCredential or ResetCredential
// round trip. AttemptCount and FailedAt are backend-authoritative: the
// host must persist exactly these values so both sides keep hashing the
// same leaf bytes.
type CheckResult struct {
	Code         Code
	Passkey      []byte // released only on CodeSuccess from CheckCredential
	AttemptCount uint32
	FailedAt     uint64 // backend clock, seconds; zero after success
}

// SecureBackend is the tamper-resistant collaborator the credential
// manager drives. Implementations serialize internally; the manager
// additionally guarantees one operation in flight at a time.
type SecureBackend interface {
	// InsertLeaf registers a credential at an empty tree position. aux
	// must prove the position empty under the backend's current root.
	InsertLeaf(label uint64, valueHash, resetHash []byte, aux [][]byte, schedule []byte) (Code, error)

	// CheckCredential verifies a low-entropy secret attempt.
	CheckCredential(label uint64, secret []byte, aux [][]byte) (*CheckResult, error)

	// ResetCredential clears the attempt counter given the reset secret.
	ResetCredential(label uint64, resetSecret []byte, aux [][]byte) (*CheckResult, error)

	// RemoveLeaf evicts a credential, freeing its position.
	RemoveLeaf(label uint64, aux [][]byte) (Code, error)

	// GetCurrentRoot returns the backend's trusted root digest.
	GetCurrentRoot() ([]byte, error)

	// GetCurrentTime returns the backend clock in seconds. FailedAt and
	// every lockout window live in this domain, which need not relate to
	// Unix time: the TPM clock counts powered-on time.
	GetCurrentTime() (uint64, error)
}
