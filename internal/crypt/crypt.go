// SPDX-License-Identifier: MIT

// Package crypt seals parsed records for persistence. Records are encoded
// as canonical JSON and encrypted with ChaCha20-Poly1305 under the owner's
// derived key. The nonce is fresh per seal and prepended to the box.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/medvault/medvault/internal/keyring"
	"github.com/medvault/medvault/internal/pipeline/model"
)

// Error classifies encryption failures.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", model.FailEncrypt, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements model.FailureCoder.
func (e *Error) FailureCode() model.FailureCode { return model.FailEncrypt }

// RecordPayload is the plaintext structure that gets sealed. It carries
// everything needed to render results later; nothing else of the document
// survives encryption.
type RecordPayload struct {
	SessionID    string              `json:"session_id"`
	AnalysisType model.AnalysisType  `json:"analysis_type"`
	Measurements []model.Measurement `json:"measurements"`
	ParsedAt     time.Time           `json:"parsed_at"`
}

// Seal encrypts the payload under the owner key. The returned ciphertext
// is nonce || box and is safe to store anywhere.
func Seal(key *keyring.KeyHandle, payload *RecordPayload) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode payload: %w", err)}
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &Error{Err: fmt.Errorf("nonce: %w", err)}
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed record. Exists for the round-trip boundary test
// and for future result rendering; the pipeline itself never decrypts.
func Open(key *keyring.KeyHandle, box []byte) (*RecordPayload, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(box) < aead.NonceSize() {
		return nil, &Error{Err: fmt.Errorf("ciphertext too short: %d bytes", len(box))}
	}
	nonce, sealed := box[:aead.NonceSize()], box[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("open: %w", err)}
	}
	var payload RecordPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode payload: %w", err)}
	}
	return &payload, nil
}

func newAEAD(key *keyring.KeyHandle) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("init aead: %w", err)}
	}
	return aead, nil
}
