// SPDX-License-Identifier: MIT

// Package keyring derives per-owner encryption keys from a single master
// secret. Owners never share a key: leaking one owner's key exposes only
// that owner's records.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// KeySize matches the chacha20poly1305 key length.
const KeySize = 32

// minMasterLen rejects obviously weak master secrets.
const minMasterLen = 32

// ErrKeyUnavailable is returned when no usable key can be derived.
var ErrKeyUnavailable = errors.New("encryption key unavailable")

// Error classifies keyring failures for the orchestrator.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", model.FailKeyUnavailable, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements model.FailureCoder.
func (e *Error) FailureCode() model.FailureCode { return model.FailKeyUnavailable }

// KeyHandle wraps derived key material. No JSON tags, redacted String:
// a handle must never end up in logs or serialized state.
type KeyHandle struct {
	key [KeySize]byte
}

// Bytes exposes the raw key to the encryption layer.
func (h *KeyHandle) Bytes() []byte { return h.key[:] }

func (h *KeyHandle) String() string { return "KeyHandle(redacted)" }

// Keyring derives owner-scoped subkeys via HKDF-SHA256.
type Keyring struct {
	master []byte
}

// New parses the hex-encoded master secret from configuration.
func New(masterHex string) (*Keyring, error) {
	masterHex = strings.TrimSpace(masterHex)
	if masterHex == "" {
		return nil, &Error{Err: fmt.Errorf("%w: master secret not configured", ErrKeyUnavailable)}
	}
	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: master secret is not valid hex", ErrKeyUnavailable)}
	}
	if len(master) < minMasterLen {
		return nil, &Error{Err: fmt.Errorf("%w: master secret must be at least %d bytes, got %d", ErrKeyUnavailable, minMasterLen, len(master))}
	}
	return &Keyring{master: master}, nil
}

// KeyFor derives the subkey for one owner. Deterministic: the same owner
// always gets the same key, which is what lets records be decrypted later.
func (k *Keyring) KeyFor(ownerID string) (*KeyHandle, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, &Error{Err: fmt.Errorf("%w: empty owner id", ErrKeyUnavailable)}
	}
	r := hkdf.New(sha256.New, k.master, nil, []byte("medvault/record-key/v1/"+ownerID))
	h := &KeyHandle{}
	if _, err := io.ReadFull(r, h.key[:]); err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: derive: %v", ErrKeyUnavailable, err)}
	}
	return h, nil
}
