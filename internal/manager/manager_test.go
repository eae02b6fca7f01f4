package manager

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zaolin/pinguard/internal/backend"
	"github.com/zaolin/pinguard/internal/delay"
	"github.com/zaolin/pinguard/internal/hashtree"
)

var testGeo = hashtree.Geometry{Fanout: 4, Height: 3}

// scriptedBackend delegates to a real software backend but can force the
// next CheckCredential results and counts calls, so tests can assert
// "the backend was not contacted" and inject desync verdicts.
type scriptedBackend struct {
	inner      backend.SecureBackend
	checkCalls int
	rootCalls  int
	forced     []*backend.CheckResult
}

func (s *scriptedBackend) InsertLeaf(label uint64, valueHash, resetHash []byte, aux [][]byte, schedule []byte) (backend.Code, error) {
	return s.inner.InsertLeaf(label, valueHash, resetHash, aux, schedule)
}

func (s *scriptedBackend) CheckCredential(label uint64, secret []byte, aux [][]byte) (*backend.CheckResult, error) {
	s.checkCalls++
	if len(s.forced) > 0 {
		res := s.forced[0]
		s.forced = s.forced[1:]
		return res, nil
	}
	return s.inner.CheckCredential(label, secret, aux)
}

func (s *scriptedBackend) ResetCredential(label uint64, resetSecret []byte, aux [][]byte) (*backend.CheckResult, error) {
	return s.inner.ResetCredential(label, resetSecret, aux)
}

func (s *scriptedBackend) RemoveLeaf(label uint64, aux [][]byte) (backend.Code, error) {
	return s.inner.RemoveLeaf(label, aux)
}

func (s *scriptedBackend) GetCurrentRoot() ([]byte, error) {
	s.rootCalls++
	return s.inner.GetCurrentRoot()
}

func (s *scriptedBackend) GetCurrentTime() (uint64, error) {
	return s.inner.GetCurrentTime()
}

type fixture struct {
	m     *Manager
	be    *scriptedBackend
	store *hashtree.Store
	clock uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{clock: 10_000}

	store, err := hashtree.Open(t.TempDir(), testGeo, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	f.store = store

	soft, err := backend.NewSoft(testGeo, backend.SoftOptions{
		DeviceKey: bytes.Repeat([]byte{1}, 32),
		Now:       func() uint64 { return f.clock },
	})
	if err != nil {
		t.Fatal(err)
	}
	f.be = &scriptedBackend{inner: soft}

	f.m, err = New(store, f.be, log, Options{CheckpointAlgorithm: "none"})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) insert(t *testing.T, secret, reset string, sched delay.Schedule) uint64 {
	t.Helper()
	label, err := f.m.InsertCredential([]byte(secret), []byte(reset), sched)
	if err != nil {
		t.Fatalf("InsertCredential: %v", err)
	}
	return label
}

func TestInsertCheckRemoveRoundTrip(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})

	passkey, err := f.m.CheckCredential(label, []byte("1234"))
	if err != nil {
		t.Fatalf("CheckCredential: %v", err)
	}
	if len(passkey) != backend.PasskeySize {
		t.Fatalf("passkey length %d", len(passkey))
	}

	if err := f.m.RemoveCredential(label); err != nil {
		t.Fatalf("RemoveCredential: %v", err)
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("check after remove: %v, want ErrInvalidLabel", err)
	}
}

func TestRemoveIsNotIdempotentButSafe(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})
	if err := f.m.RemoveCredential(label); err != nil {
		t.Fatal(err)
	}
	if err := f.m.RemoveCredential(label); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("second remove: %v, want ErrInvalidLabel", err)
	}
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.m.InsertCredential(nil, []byte("r"), delay.Schedule{{Threshold: 3, Seconds: 10}}); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("empty secret: %v", err)
	}
	if _, err := f.m.InsertCredential([]byte("1234"), []byte("r"), delay.Schedule{{Threshold: 0, Seconds: 10}}); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("bad schedule: %v", err)
	}
	if _, err := f.m.CheckCredential(99, []byte("1234")); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("unknown label: %v", err)
	}
}

func TestNoFreeLabel(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	geo := hashtree.Geometry{Fanout: 2, Height: 1}

	store, err := hashtree.Open(t.TempDir(), geo, log)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	soft, err := backend.NewSoft(geo, backend.SoftOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(store, soft, log, Options{CheckpointAlgorithm: "none"})
	if err != nil {
		t.Fatal(err)
	}

	sched := delay.Schedule{{Threshold: 3, Seconds: 10}}
	for i := 0; i < 2; i++ {
		if _, err := m.InsertCredential([]byte("1234"), []byte("r"), sched); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.InsertCredential([]byte("1234"), []byte("r"), sched); !errors.Is(err, ErrNoFreeLabel) {
		t.Errorf("full tree: %v, want ErrNoFreeLabel", err)
	}
}

// Scenario: schedule [(3,10s),(5,60s)]; three wrong attempts lock the
// credential for 10s with no backend contact, then the window opens.
func TestDelayEnforcementSkipsBackend(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}, {Threshold: 5, Seconds: 60}})

	for i := 0; i < 3; i++ {
		if _, err := f.m.CheckCredential(label, []byte("9999")); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	calls := f.be.checkCalls

	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("locked check: %v, want ErrTooManyAttempts", err)
	}
	if f.be.checkCalls != calls {
		t.Error("backend was contacted during lockout window")
	}

	f.clock += 10
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if f.be.checkCalls != calls+1 {
		t.Error("backend not contacted after lockout elapsed")
	}
}

// The lockout window is evaluated on the backend clock, which for the
// hardware backend counts powered-on seconds and sits far below Unix
// time. A gate on the host wall clock would see every window as long
// expired and forward each attempt to the backend.
func TestLockoutGateUsesBackendClock(t *testing.T) {
	f := newFixture(t) // backend clock starts at 10_000

	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})
	for i := 0; i < 3; i++ {
		if _, err := f.m.CheckCredential(label, []byte("9999")); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	calls := f.be.checkCalls

	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("locked check: %v, want ErrTooManyAttempts", err)
	}
	if f.be.checkCalls != calls {
		t.Errorf("backend contacted during lockout window: checkCalls %d -> %d", calls, f.be.checkCalls)
	}

	info, err := f.m.GetLeafData(label)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Locked || info.LockedFor != 10*time.Second {
		t.Errorf("leaf view across clock domains: %+v", info)
	}

	f.clock += 10
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Fatalf("check after window: %v", err)
	}
}

// Scenario: success after two failures resets the counter, so the next
// check is not rate limited.
func TestSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 2, Seconds: 30}})

	f.m.CheckCredential(label, []byte("9999"))
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Fatalf("check: %v", err)
	}
	info, err := f.m.GetLeafData(label)
	if err != nil {
		t.Fatal(err)
	}
	if info.AttemptCount != 0 {
		t.Errorf("attempt count %d after success", info.AttemptCount)
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Errorf("immediate follow-up check: %v", err)
	}
}

func TestMonotonicLockout(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 100, Seconds: 1}})

	var prev uint32
	for i := 0; i < 10; i++ {
		f.m.CheckCredential(label, []byte("9999"))
		info, err := f.m.GetLeafData(label)
		if err != nil {
			t.Fatal(err)
		}
		if info.AttemptCount < prev {
			t.Fatalf("attempt count went backwards: %d -> %d", prev, info.AttemptCount)
		}
		prev = info.AttemptCount
	}
	if prev != 10 {
		t.Errorf("attempt count %d after 10 failures", prev)
	}
}

func TestResetClearsCounter(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 2, Seconds: delay.Forever}})

	f.m.CheckCredential(label, []byte("9999"))
	f.m.CheckCredential(label, []byte("9999"))
	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrCredentialLocked) {
		t.Fatalf("permanently locked: %v, want ErrCredentialLocked", err)
	}

	if err := f.m.ResetCredential(label, []byte("wrong")); !errors.Is(err, ErrInvalidResetSecret) {
		t.Fatalf("wrong reset secret: %v", err)
	}
	if err := f.m.ResetCredential(label, []byte("resetme")); err != nil {
		t.Fatalf("reset: %v", err)
	}
	info, _ := f.m.GetLeafData(label)
	if info.AttemptCount != 0 || info.Locked {
		t.Errorf("after reset: %+v", info)
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Errorf("check after reset: %v", err)
	}
}

// Scenario: the backend reports a tree desync; the manager resyncs and
// retries, and the caller sees plain success.
func TestDesyncRecoversTransparently(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})

	f.be.forced = []*backend.CheckResult{{Code: backend.CodeHashTreeSync}}
	passkey, err := f.m.CheckCredential(label, []byte("1234"))
	if err != nil {
		t.Fatalf("check across desync: %v", err)
	}
	if len(passkey) == 0 {
		t.Error("no passkey after recovered check")
	}
	if f.be.checkCalls != 2 {
		t.Errorf("checkCalls = %d, want 2 (original + retry)", f.be.checkCalls)
	}
}

func TestPersistentDesyncSurfaces(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})

	f.be.forced = []*backend.CheckResult{
		{Code: backend.CodeHashTreeSync},
		{Code: backend.CodeHashTreeSync},
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrHashTree) {
		t.Fatalf("persistent desync: %v, want ErrHashTree", err)
	}
}

// Scenario: PCR mismatch is fatal as-is, with no resync attempt, and the
// label stays live.
func TestPCRMismatchIsFatalWithoutResync(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})
	rootCalls := f.be.rootCalls

	f.be.forced = []*backend.CheckResult{{Code: backend.CodePolicyMismatch}}
	if _, err := f.m.CheckCredential(label, []byte("1234")); !errors.Is(err, ErrPCRMismatch) {
		t.Fatalf("policy mismatch: %v, want ErrPCRMismatch", err)
	}
	if f.be.rootCalls != rootCalls {
		t.Error("resync was attempted for a PCR mismatch")
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Errorf("label unusable after PCR mismatch verdict: %v", err)
	}
}

// A leaf written to disk behind the backend's back (the crash window
// between disk and backend commits) is rewound by resync to the newest
// checkpoint matching the backend root.
func TestSyncRewindsDiskDivergence(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 3, Seconds: 10}})

	orphan := &hashtree.LeafMetadata{
		Label:     label + 1,
		ValueHash: bytes.Repeat([]byte{9}, 32),
		Schedule:  delay.Schedule{{Threshold: 3, Seconds: 10}},
	}
	if _, err := f.store.InsertLeaf(label+1, orphan); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := f.m.GetLeafData(label + 1); !errors.Is(err, ErrInvalidLabel) {
		t.Error("orphan leaf survived resync")
	}
	if _, err := f.m.CheckCredential(label, []byte("1234")); err != nil {
		t.Errorf("credential unusable after resync: %v", err)
	}
}

func TestStatusReportsSync(t *testing.T) {
	f := newFixture(t)
	label := f.insert(t, "1234", "resetme", delay.Schedule{{Threshold: 1, Seconds: 10}})
	f.m.CheckCredential(label, []byte("9999"))

	st, err := f.m.GetStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !st.InSync {
		t.Error("status reports out of sync")
	}
	if len(st.Leaves) != 1 {
		t.Fatalf("status has %d leaves", len(st.Leaves))
	}
	leaf := st.Leaves[0]
	if leaf.AttemptCount != 1 || !leaf.Locked || leaf.LockedFor != 10*time.Second {
		t.Errorf("leaf status: %+v", leaf)
	}
}
