package backend

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"time"

	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

// record is the backend-side mirror of one leaf. ValueHash, Schedule,
// Attempts and LastFailed must stay bit-identical with the host's leaf
// metadata or the two roots diverge.
type record struct {
	ValueHash  []byte
	ResetHash  []byte
	Schedule   []byte
	Attempts   uint32
	LastFailed uint64
}

// engine implements the credential verification state machine shared by
// the software and TPM backends: membership proof checks against the
// trusted root, schedule-enforced rate limiting, secret comparison and
// root advancement. Callers hold their own lock around engine calls.
type engine struct {
	geo       hashtree.Geometry
	deviceKey []byte
	root      []byte
	leaves    map[uint64]*record
	now       func() uint64
}

func newEngine(geo hashtree.Geometry, deviceKey []byte) *engine {
	e := &engine{
		geo:       geo,
		deviceKey: append([]byte(nil), deviceKey...),
		leaves:    make(map[uint64]*record),
		now:       func() uint64 { return uint64(time.Now().Unix()) },
	}
	e.root = emptyRoot(geo)
	return e
}

func emptyRoot(geo hashtree.Geometry) []byte {
	root, err := hashtree.RootFromLeaf(geo, 0, make([]byte, hashtree.DigestSize), emptyAux(geo))
	if err != nil {
		// Geometry is validated by the backend constructor.
		panic(err)
	}
	return root
}

func emptyAux(geo hashtree.Geometry) [][]byte {
	// Walking label 0 of an empty tree: every sibling is an empty subtree
	// digest of its level.
	aux := make([][]byte, 0, int(geo.Height)*int(geo.Fanout-1))
	level := make([]byte, hashtree.DigestSize)
	for l := uint32(0); l < geo.Height; l++ {
		for i := uint32(1); i < geo.Fanout; i++ {
			aux = append(aux, append([]byte(nil), level...))
		}
		next, err := hashtree.RootFromLeaf(hashtree.Geometry{Fanout: geo.Fanout, Height: 1}, 0, level, repeatDigest(level, int(geo.Fanout-1)))
		if err != nil {
			panic(err)
		}
		level = next
	}
	return aux
}

func repeatDigest(d []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = append([]byte(nil), d...)
	}
	return out
}

func (e *engine) leafDigest(label uint64, r *record) ([]byte, error) {
	sched, err := delay.Decode(r.Schedule)
	if err != nil {
		return nil, err
	}
	md := &hashtree.LeafMetadata{
		Label:        label,
		AttemptCount: r.Attempts,
		LastFailed:   r.LastFailed,
		ValueHash:    r.ValueHash,
		Schedule:     sched,
	}
	return md.Digest(), nil
}

// verifyMembership checks that digest at label plus aux reproduces the
// trusted root, returning the proof-recomputation helper result for
// subsequent root advancement.
func (e *engine) verifyMembership(label uint64, digest []byte, aux [][]byte) bool {
	got, err := hashtree.RootFromLeaf(e.geo, label, digest, aux)
	if err != nil {
		return false
	}
	return bytes.Equal(got, e.root)
}

func (e *engine) advanceRoot(label uint64, digest []byte, aux [][]byte) error {
	root, err := hashtree.RootFromLeaf(e.geo, label, digest, aux)
	if err != nil {
		return err
	}
	e.root = root
	return nil
}

func (e *engine) insertLeaf(label uint64, valueHash, resetHash []byte, aux [][]byte, schedule []byte) Code {
	if !e.geo.ValidLabel(label) {
		return CodeHashTreeSync
	}
	if _, ok := e.leaves[label]; ok {
		return CodeHashTreeSync
	}
	if _, err := delay.Decode(schedule); err != nil {
		return CodeOpFailed
	}
	if !e.verifyMembership(label, make([]byte, hashtree.DigestSize), aux) {
		return CodeHashTreeSync
	}
	r := &record{
		ValueHash: append([]byte(nil), valueHash...),
		ResetHash: append([]byte(nil), resetHash...),
		Schedule:  append([]byte(nil), schedule...),
	}
	digest, err := e.leafDigest(label, r)
	if err != nil {
		return CodeOpFailed
	}
	if err := e.advanceRoot(label, digest, aux); err != nil {
		return CodeOpFailed
	}
	e.leaves[label] = r
	return CodeSuccess
}

// locked reports whether r is inside its lockout window at time now.
func (r *record) locked(now uint64) (bool, error) {
	sched, err := delay.Decode(r.Schedule)
	if err != nil {
		return false, err
	}
	d, forever := sched.ForAttempt(r.Attempts)
	if forever {
		return true, nil
	}
	if d == 0 {
		return false, nil
	}
	return now < r.LastFailed+uint64(d/time.Second), nil
}

func (e *engine) check(label uint64, secret []byte, aux [][]byte) *CheckResult {
	r, ok := e.leaves[label]
	if !ok {
		return &CheckResult{Code: CodeHashTreeSync}
	}
	digest, err := e.leafDigest(label, r)
	if err != nil {
		return &CheckResult{Code: CodeOpFailed}
	}
	if !e.verifyMembership(label, digest, aux) {
		return &CheckResult{Code: CodeHashTreeSync}
	}

	now := e.now()
	if locked, err := r.locked(now); err != nil {
		return &CheckResult{Code: CodeOpFailed}
	} else if locked {
		return &CheckResult{Code: CodeTooManyAttempts, AttemptCount: r.Attempts, FailedAt: r.LastFailed}
	}

	if hmac.Equal(DeriveValueHash(label, secret), r.ValueHash) {
		r.Attempts = 0
		r.LastFailed = 0
		if code := e.recommit(label, r, aux); code != CodeSuccess {
			return &CheckResult{Code: code}
		}
		passkey, err := derivePasskey(e.deviceKey, label, r.ValueHash)
		if err != nil {
			return &CheckResult{Code: CodeOpFailed}
		}
		return &CheckResult{Code: CodeSuccess, Passkey: passkey}
	}

	r.Attempts++
	r.LastFailed = now
	if code := e.recommit(label, r, aux); code != CodeSuccess {
		return &CheckResult{Code: code}
	}
	return &CheckResult{Code: CodeInvalidSecret, AttemptCount: r.Attempts, FailedAt: r.LastFailed}
}

func (e *engine) reset(label uint64, resetSecret []byte, aux [][]byte) *CheckResult {
	r, ok := e.leaves[label]
	if !ok {
		return &CheckResult{Code: CodeHashTreeSync}
	}
	digest, err := e.leafDigest(label, r)
	if err != nil {
		return &CheckResult{Code: CodeOpFailed}
	}
	if !e.verifyMembership(label, digest, aux) {
		return &CheckResult{Code: CodeHashTreeSync}
	}

	if hmac.Equal(DeriveResetHash(label, resetSecret), r.ResetHash) {
		r.Attempts = 0
		r.LastFailed = 0
		if code := e.recommit(label, r, aux); code != CodeSuccess {
			return &CheckResult{Code: code}
		}
		return &CheckResult{Code: CodeSuccess}
	}

	// A wrong reset secret is an authentication failure like any other
	// and burns an attempt.
	r.Attempts++
	r.LastFailed = e.now()
	if code := e.recommit(label, r, aux); code != CodeSuccess {
		return &CheckResult{Code: code}
	}
	return &CheckResult{Code: CodeInvalidResetSecret, AttemptCount: r.Attempts, FailedAt: r.LastFailed}
}

// recommit recomputes the leaf digest after a counter change and advances
// the trusted root.
func (e *engine) recommit(label uint64, r *record, aux [][]byte) Code {
	digest, err := e.leafDigest(label, r)
	if err != nil {
		return CodeOpFailed
	}
	if err := e.advanceRoot(label, digest, aux); err != nil {
		return CodeOpFailed
	}
	return CodeSuccess
}

func (e *engine) removeLeaf(label uint64, aux [][]byte) Code {
	r, ok := e.leaves[label]
	if !ok {
		return CodeHashTreeSync
	}
	digest, err := e.leafDigest(label, r)
	if err != nil {
		return CodeOpFailed
	}
	if !e.verifyMembership(label, digest, aux) {
		return CodeHashTreeSync
	}
	if err := e.advanceRoot(label, make([]byte, hashtree.DigestSize), aux); err != nil {
		return CodeOpFailed
	}
	delete(e.leaves, label)
	return CodeSuccess
}

// snapshot is the serialized engine state shared by backend persistence.
type snapshot struct {
	Root   []byte
	Leaves map[uint64]*record
}

func (e *engine) snapshot() *snapshot {
	return &snapshot{Root: e.root, Leaves: e.leaves}
}

// clone deep-copies a snapshot. Rollback needs its own records: the
// engine mutates counters in place, so a shallow copy would alias them.
func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		Root:   append([]byte(nil), s.Root...),
		Leaves: make(map[uint64]*record, len(s.Leaves)),
	}
	for label, r := range s.Leaves {
		c.Leaves[label] = &record{
			ValueHash:  append([]byte(nil), r.ValueHash...),
			ResetHash:  append([]byte(nil), r.ResetHash...),
			Schedule:   append([]byte(nil), r.Schedule...),
			Attempts:   r.Attempts,
			LastFailed: r.LastFailed,
		}
	}
	return c
}

func (e *engine) restore(s *snapshot) error {
	if len(s.Root) != hashtree.DigestSize {
		return errors.New("snapshot root has wrong size")
	}
	e.root = append([]byte(nil), s.Root...)
	e.leaves = s.Leaves
	if e.leaves == nil {
		e.leaves = make(map[uint64]*record)
	}
	return nil
}
