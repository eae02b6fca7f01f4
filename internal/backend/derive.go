package backend

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is deliberately modest: the schedule-enforced lockout,
// not key stretching, is what defends a low-entropy secret.
const pbkdf2Iterations = 4096

// PasskeySize is the length of the high-entropy secret released on a
// successful check.
const PasskeySize = 32

func labelSalt(tag string, label uint64) []byte {
	salt := make([]byte, 0, len(tag)+8)
	salt = append(salt, tag...)
	return binary.BigEndian.AppendUint64(salt, label)
}

// DeriveValueHash derives the protected digest of a low-entropy secret,
// bound to its label. Both the manager (at insertion) and the backend (at
// check time) compute this; the plaintext never crosses into storage.
func DeriveValueHash(label uint64, secret []byte) []byte {
	return pbkdf2.Key(secret, labelSalt("pinguard le v1", label), pbkdf2Iterations, sha256.Size, sha256.New)
}

// DeriveResetHash derives the protected digest of a reset secret.
func DeriveResetHash(label uint64, resetSecret []byte) []byte {
	return pbkdf2.Key(resetSecret, labelSalt("pinguard reset v1", label), pbkdf2Iterations, sha256.Size, sha256.New)
}

// derivePasskey derives the released secret from the backend device key.
// Without the device key the passkey cannot be reproduced, so a stolen
// host disk yields nothing unlockable.
func derivePasskey(deviceKey []byte, label uint64, valueHash []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, deviceKey, labelSalt("pinguard passkey v1", label), valueHash)
	passkey := make([]byte, PasskeySize)
	if _, err := io.ReadFull(r, passkey); err != nil {
		return nil, err
	}
	return passkey, nil
}
