// SPDX-License-Identifier: MIT

package crypt

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/keyring"
	"github.com/medvault/medvault/internal/pipeline/model"
)

func testKey(t *testing.T, owner string) *keyring.KeyHandle {
	t.Helper()
	kr, err := keyring.New(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	key, err := kr.KeyFor(owner)
	require.NoError(t, err)
	return key
}

func testPayload() *RecordPayload {
	return &RecordPayload{
		SessionID:    "s1",
		AnalysisType: model.AnalysisBloodGeneral,
		Measurements: []model.Measurement{
			{TestName: "hemoglobin", Value: "142", Unit: "г/л", ObservedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		},
		ParsedAt: time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t, "owner-a")
	payload := testPayload()

	box, err := Seal(key, payload)
	require.NoError(t, err)
	assert.NotContains(t, string(box), "hemoglobin", "ciphertext must not leak plaintext")

	got, err := Open(key, box)
	require.NoError(t, err)
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key := testKey(t, "owner-a")
	payload := testPayload()

	a, err := Seal(key, payload)
	require.NoError(t, err)
	b, err := Seal(key, payload)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpen_WrongOwnerKeyFails(t *testing.T) {
	box, err := Seal(testKey(t, "owner-a"), testPayload())
	require.NoError(t, err)

	_, err = Open(testKey(t, "owner-b"), box)
	require.Error(t, err)
	assert.Equal(t, model.FailEncrypt, model.FailureOf(err))
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	key := testKey(t, "owner-a")
	box, err := Seal(key, testPayload())
	require.NoError(t, err)

	box[len(box)-1] ^= 0xff
	_, err = Open(key, box)
	require.Error(t, err)
}

func TestOpen_TruncatedCiphertextFails(t *testing.T) {
	key := testKey(t, "owner-a")
	_, err := Open(key, []byte("short"))
	require.Error(t, err)
}
