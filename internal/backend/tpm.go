package backend

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
	"golang.org/x/crypto/hkdf"

	"github.com/zaolin/pinguard/internal/hashtree"
)

// ErrTPMLockout indicates the TPM is in DA lockout mode.
var ErrTPMLockout = errors.New("TPM is in dictionary attack lockout")

// ErrStateDiverged indicates the sealed backend state on disk does not
// match the digest anchored in TPM NV storage: replay or tampering.
var ErrStateDiverged = errors.New("sealed backend state diverges from TPM anchor")

// ErrNotProvisioned indicates the NV indices have not been set up yet.
var ErrNotProvisioned = errors.New("TPM backend not provisioned")

// DefaultDevice is the default TPM device path.
const DefaultDevice = "/dev/tpmrm0"

// FallbackDevice is used if the resource manager is unavailable.
const FallbackDevice = "/dev/tpm0"

// Default NV indices for the device key and the state anchor digest.
const (
	DefaultDeviceKeyNV = 0x01c10101
	DefaultAnchorNV    = 0x01c10102
)

const nvDataSize = 32

// TPMOptions configures the TPM-anchored backend.
type TPMOptions struct {
	Device      string // TPM device path (default /dev/tpmrm0)
	StatePath   string // sealed state file, required
	DeviceKeyNV uint32 // NV index holding the passkey-derivation key
	AnchorNV    uint32 // NV index anchoring the state digest
	PCRs        []int  // PCR indices the credential set is bound to
	Bank        tpm2.TPMAlgID
}

func (o *TPMOptions) fill() {
	if o.Device == "" {
		o.Device = DefaultDevice
	}
	if o.DeviceKeyNV == 0 {
		o.DeviceKeyNV = DefaultDeviceKeyNV
	}
	if o.AnchorNV == 0 {
		o.AnchorNV = DefaultAnchorNV
	}
	if o.Bank == 0 {
		o.Bank = tpm2.TPMAlgSHA256
	}
}

// TPM is the hardware-anchored backend. The verification engine runs on
// the host, but its authority comes from the TPM: the passkey-derivation
// key lives in an NV index, the engine state is sealed with AES-GCM under
// a key derived from it, and the digest of the sealed state is mirrored
// in a second NV index so a replayed state file is detected at load.
type TPM struct {
	mu     sync.Mutex
	opts   TPMOptions
	eng    *engine
	sealed sealKey

	// enrolled is the PCR digest latched at provision time; it rides
	// along in every state commit.
	enrolled []byte

	// pcrMismatch is latched at open when the enrolled PCR digest no
	// longer matches the platform. Operations then answer
	// CodePolicyMismatch until re-provisioning.
	pcrMismatch bool
}

type sealKey [32]byte

type tpmState struct {
	PCRDigest []byte
	Snapshot  *snapshot
}

// NewTPM opens the TPM backend: device key and anchor are read from NV,
// the sealed state file is verified against the anchor and loaded.
func NewTPM(geo hashtree.Geometry, opts TPMOptions) (*TPM, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if opts.StatePath == "" {
		return nil, errors.New("TPM backend requires a state path")
	}
	opts.fill()

	t := &TPM{opts: opts}

	conn, err := t.openTPM()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deviceKey, err := nvReadOwner(conn, opts.DeviceKeyNV)
	if err != nil {
		return nil, fmt.Errorf("%w: device key NV: %v", ErrNotProvisioned, err)
	}
	anchor, err := nvReadOwner(conn, opts.AnchorNV)
	if err != nil {
		return nil, fmt.Errorf("%w: anchor NV: %v", ErrNotProvisioned, err)
	}

	t.eng = newEngine(geo, deviceKey)
	t.sealed = deriveSealKey(deviceKey)

	state, err := t.loadState(anchor)
	if err != nil {
		return nil, err
	}
	if state != nil {
		if err := t.eng.restore(state.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to restore sealed state: %w", err)
		}
		t.enrolled = state.PCRDigest
		if len(state.PCRDigest) > 0 && len(opts.PCRs) > 0 {
			current, err := pcrDigest(conn, opts.Bank, opts.PCRs)
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(current, state.PCRDigest) {
				t.pcrMismatch = true
			}
		}
	}
	return t, nil
}

// Provision creates the NV indices, generates a fresh device key and
// seals an empty engine state. Destroys any prior credential set.
func Provision(geo hashtree.Geometry, opts TPMOptions) (*TPM, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if opts.StatePath == "" {
		return nil, errors.New("TPM backend requires a state path")
	}
	opts.fill()

	t := &TPM{opts: opts}

	conn, err := t.openTPM()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deviceKey := make([]byte, nvDataSize)
	if _, err := rand.Read(deviceKey); err != nil {
		return nil, err
	}
	if err := nvDefineOwner(conn, opts.DeviceKeyNV); err != nil {
		return nil, fmt.Errorf("failed to define device key NV: %w", err)
	}
	if err := nvWriteOwner(conn, opts.DeviceKeyNV, deviceKey); err != nil {
		return nil, fmt.Errorf("failed to write device key NV: %w", err)
	}
	if err := nvDefineOwner(conn, opts.AnchorNV); err != nil {
		return nil, fmt.Errorf("failed to define anchor NV: %w", err)
	}

	t.eng = newEngine(geo, deviceKey)
	t.sealed = deriveSealKey(deviceKey)

	state := &tpmState{Snapshot: t.eng.snapshot()}
	if len(opts.PCRs) > 0 {
		state.PCRDigest, err = pcrDigest(conn, opts.Bank, opts.PCRs)
		if err != nil {
			return nil, err
		}
	}
	t.enrolled = state.PCRDigest
	if err := t.commitState(conn, state); err != nil {
		return nil, err
	}
	return t, nil
}

// WaitForDevice waits for the TPM device to become available.
func WaitForDevice(device string, timeout time.Duration) bool {
	if device == "" {
		device = DefaultDevice
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, dev := range []string{device, FallbackDevice} {
			if _, err := os.Stat(dev); err == nil {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// openTPM opens a connection to the TPM device.
func (t *TPM) openTPM() (transport.TPMCloser, error) {
	conn, err := linuxtpm.Open(t.opts.Device)
	if err != nil && t.opts.Device == DefaultDevice {
		conn, err = linuxtpm.Open(FallbackDevice)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

func deriveSealKey(deviceKey []byte) sealKey {
	var key sealKey
	r := hkdf.New(sha256.New, deviceKey, nil, []byte("pinguard state seal v1"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic(err)
	}
	return key
}

func (t *TPM) seal(state *tpmState) ([]byte, error) {
	var plain bytes.Buffer
	if err := gob.NewEncoder(&plain).Encode(state); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(t.sealed[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain.Bytes(), nil), nil
}

func (t *TPM) unseal(blob []byte) (*tpmState, error) {
	block, err := aes.NewCipher(t.sealed[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("sealed state too short")
	}
	plain, err := gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal state: %w", err)
	}
	state := &tpmState{}
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(state); err != nil {
		return nil, err
	}
	return state, nil
}

// loadState reads the sealed state file and verifies it against the NV
// anchor. The previous generation is accepted as well, which covers a
// crash between the file rename and the anchor write. A nil state with no
// error means a freshly provisioned, still-empty backend.
func (t *TPM) loadState(anchor []byte) (*tpmState, error) {
	for _, path := range []string{t.opts.StatePath, t.opts.StatePath + ".prev"} {
		blob, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read sealed state: %w", err)
		}
		sum := sha256.Sum256(blob)
		if bytes.Equal(sum[:], anchor) {
			return t.unseal(blob)
		}
	}
	if bytes.Equal(anchor, make([]byte, nvDataSize)) {
		return nil, nil
	}
	return nil, ErrStateDiverged
}

// commitState seals the engine state, writes it next to the previous
// generation and advances the NV anchor.
func (t *TPM) commitState(conn transport.TPM, state *tpmState) error {
	blob, err := t.seal(state)
	if err != nil {
		return err
	}
	if prev, err := os.ReadFile(t.opts.StatePath); err == nil {
		if err := os.WriteFile(t.opts.StatePath+".prev", prev, 0600); err != nil {
			return fmt.Errorf("failed to keep previous state: %w", err)
		}
	}
	if err := os.WriteFile(t.opts.StatePath, blob, 0600); err != nil {
		return fmt.Errorf("failed to write sealed state: %w", err)
	}
	sum := sha256.Sum256(blob)
	if err := nvWriteOwner(conn, t.opts.AnchorNV, sum[:]); err != nil {
		return fmt.Errorf("failed to advance NV anchor: %w", err)
	}
	return nil
}

// mutate runs op against the engine under an open TPM connection and, if
// the engine state changed, commits the new sealed state. A failed commit
// rewinds the engine to its pre-op state: the operation must not leave
// the in-memory root ahead of both the sealed state and the host tree.
func (t *TPM) mutate(changed func(Code) bool, op func() Code) (Code, error) {
	if t.pcrMismatch {
		return CodePolicyMismatch, nil
	}
	conn, err := t.openTPM()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := t.bindClock(conn); err != nil {
		return 0, err
	}
	before := t.eng.snapshot().clone()
	code := op()
	if changed(code) {
		state := &tpmState{PCRDigest: t.enrolled, Snapshot: t.eng.snapshot()}
		if err := t.commitState(conn, state); err != nil {
			if rerr := t.eng.restore(before); rerr != nil {
				return 0, rerr
			}
			return 0, classifyTPMError(err)
		}
	}
	return code, nil
}

var counterCodes = map[Code]bool{
	CodeSuccess:            true,
	CodeInvalidSecret:      true,
	CodeInvalidResetSecret: true,
}

// bindClock pins the engine clock to the TPM clock for this operation, so
// lockout windows survive host clock rollbacks. A clock read failure
// aborts the operation: falling back to host time would leak Unix-epoch
// timestamps into the sealed state.
func (t *TPM) bindClock(conn transport.TPM) error {
	now, err := readClockSeconds(conn)
	if err != nil {
		return err
	}
	t.eng.now = func() uint64 { return now }
	return nil
}

func readClockSeconds(conn transport.TPM) (uint64, error) {
	rsp, err := (tpm2.ReadClock{}).Execute(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: read clock: %v", ErrUnavailable, err)
	}
	return rsp.CurrentTime.ClockInfo.Clock / 1000, nil
}

// InsertLeaf implements SecureBackend.
func (t *TPM) InsertLeaf(label uint64, valueHash, resetHash []byte, aux [][]byte, schedule []byte) (Code, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutate(
		func(c Code) bool { return c == CodeSuccess },
		func() Code { return t.eng.insertLeaf(label, valueHash, resetHash, aux, schedule) },
	)
}

// CheckCredential implements SecureBackend.
func (t *TPM) CheckCredential(label uint64, secret []byte, aux [][]byte) (*CheckResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var res *CheckResult
	code, err := t.mutate(
		func(c Code) bool { return counterCodes[c] },
		func() Code {
			res = t.eng.check(label, secret, aux)
			return res.Code
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil || code != res.Code {
		return &CheckResult{Code: code}, nil
	}
	return res, nil
}

// ResetCredential implements SecureBackend.
func (t *TPM) ResetCredential(label uint64, resetSecret []byte, aux [][]byte) (*CheckResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var res *CheckResult
	code, err := t.mutate(
		func(c Code) bool { return counterCodes[c] },
		func() Code {
			res = t.eng.reset(label, resetSecret, aux)
			return res.Code
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil || code != res.Code {
		return &CheckResult{Code: code}, nil
	}
	return res, nil
}

// RemoveLeaf implements SecureBackend.
func (t *TPM) RemoveLeaf(label uint64, aux [][]byte) (Code, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutate(
		func(c Code) bool { return c == CodeSuccess },
		func() Code { return t.eng.removeLeaf(label, aux) },
	)
}

// GetCurrentRoot implements SecureBackend.
func (t *TPM) GetCurrentRoot() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.eng.root...), nil
}

// GetCurrentTime implements SecureBackend.
func (t *TPM) GetCurrentTime() (uint64, error) {
	conn, err := t.openTPM()
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return readClockSeconds(conn)
}

// LockoutStatus contains TPM dictionary attack lockout information.
type LockoutStatus struct {
	InLockout       bool
	LockoutCounter  uint64
	MaxAuthFail     uint64
	LockoutRecovery uint64 // seconds to wait for recovery
}

// GetLockoutStatus reads the TPM DA lockout status.
func (t *TPM) GetLockoutStatus() (*LockoutStatus, error) {
	conn, err := t.openTPM()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	status := &LockoutStatus{}
	if v, err := getTPMProperty(conn, tpm2.TPMPTLockoutCounter); err == nil {
		status.LockoutCounter = uint64(v)
	}
	if v, err := getTPMProperty(conn, tpm2.TPMPTMaxAuthFail); err == nil {
		status.MaxAuthFail = uint64(v)
	}
	if v, err := getTPMProperty(conn, tpm2.TPMPTLockoutRecovery); err == nil {
		status.LockoutRecovery = uint64(v)
	}
	if status.MaxAuthFail > 0 && status.LockoutCounter >= status.MaxAuthFail {
		status.InLockout = true
	}
	return status, nil
}

// getTPMProperty reads a single TPM property.
func getTPMProperty(conn transport.TPM, prop tpm2.TPMPT) (uint32, error) {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(prop),
		PropertyCount: 1,
	}.Execute(conn)
	if err != nil {
		return 0, err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, err
	}
	if len(props.TPMProperty) == 0 {
		return 0, errors.New("no property returned")
	}
	return props.TPMProperty[0].Value, nil
}

// pcrDigest reads the given PCRs and hashes them in index order.
func pcrDigest(conn transport.TPM, bank tpm2.TPMAlgID, pcrs []int) ([]byte, error) {
	rsp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{{
				Hash:      bank,
				PCRSelect: pcrsToBitmap(pcrs),
			}},
		},
	}.Execute(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCRs: %w", err)
	}
	h := sha256.New()
	for _, d := range rsp.PCRValues.Digests {
		h.Write(d.Buffer)
	}
	return h.Sum(nil), nil
}

// pcrsToBitmap converts a list of PCR indices to a PCR select bitmap.
func pcrsToBitmap(pcrs []int) []byte {
	// PCR select is a bitmap, 3 bytes for PCRs 0-23
	bitmap := make([]byte, 3)
	for _, pcr := range pcrs {
		if pcr >= 0 && pcr < 24 {
			bitmap[pcr/8] |= 1 << (pcr % 8)
		}
	}
	return bitmap
}

func ownerAuth() tpm2.AuthHandle {
	return tpm2.AuthHandle{Handle: tpm2.TPMRHOwner, Auth: tpm2.PasswordAuth(nil)}
}

func nvName(conn transport.TPM, index uint32) (*tpm2.TPM2BName, error) {
	rsp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(index)}.Execute(conn)
	if err != nil {
		return nil, err
	}
	return &rsp.NVName, nil
}

func nvDefineOwner(conn transport.TPM, index uint32) error {
	_, err := tpm2.NVDefineSpace{
		AuthHandle: ownerAuth(),
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: tpm2.TPMHandle(index),
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				OwnerWrite: true,
				OwnerRead:  true,
				AuthRead:   true,
				NoDA:       true,
				NT:         tpm2.TPMNTOrdinary,
			},
			DataSize: nvDataSize,
		}),
	}.Execute(conn)
	return err
}

func nvReadOwner(conn transport.TPM, index uint32) ([]byte, error) {
	name, err := nvName(conn, index)
	if err != nil {
		return nil, classifyTPMError(err)
	}
	rsp, err := tpm2.NVRead{
		AuthHandle: ownerAuth(),
		NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(index), Name: *name},
		Size:       nvDataSize,
	}.Execute(conn)
	if err != nil {
		return nil, classifyTPMError(err)
	}
	return rsp.Data.Buffer, nil
}

func nvWriteOwner(conn transport.TPM, index uint32, data []byte) error {
	name, err := nvName(conn, index)
	if err != nil {
		return classifyTPMError(err)
	}
	_, err = tpm2.NVWrite{
		AuthHandle: ownerAuth(),
		NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(index), Name: *name},
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data},
	}.Execute(conn)
	if err != nil {
		return classifyTPMError(err)
	}
	return nil
}

// classifyTPMError converts TPM response codes to semantic errors.
func classifyTPMError(err error) error {
	var tpmRC tpm2.TPMRC
	if errors.As(err, &tpmRC) {
		if tpmRC.IsWarning() && errors.Is(tpmRC, tpm2.TPMRCLockout) {
			return fmt.Errorf("%w: %v", ErrTPMLockout, err)
		}
	}
	return err
}
