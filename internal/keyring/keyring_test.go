// SPDX-License-Identifier: MIT

package keyring

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/pipeline/model"
)

func testMasterHex() string {
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestKeyFor_DeterministicPerOwner(t *testing.T) {
	kr, err := New(testMasterHex())
	require.NoError(t, err)

	a1, err := kr.KeyFor("owner-a")
	require.NoError(t, err)
	a2, err := kr.KeyFor("owner-a")
	require.NoError(t, err)
	b, err := kr.KeyFor("owner-b")
	require.NoError(t, err)

	assert.Equal(t, a1.Bytes(), a2.Bytes())
	assert.NotEqual(t, a1.Bytes(), b.Bytes())
	assert.Len(t, a1.Bytes(), KeySize)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		master string
	}{
		{"empty", ""},
		{"not hex", "zz not hex zz"},
		{"too short", "deadbeef"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.master)
			require.Error(t, err)
			assert.Equal(t, model.FailKeyUnavailable, model.FailureOf(err))
		})
	}
}

func TestKeyFor_EmptyOwner(t *testing.T) {
	kr, err := New(testMasterHex())
	require.NoError(t, err)
	_, err = kr.KeyFor("  ")
	require.Error(t, err)
	assert.Equal(t, model.FailKeyUnavailable, model.FailureOf(err))
}

func TestKeyHandle_StringRedacted(t *testing.T) {
	kr, err := New(testMasterHex())
	require.NoError(t, err)
	h, err := kr.KeyFor("owner-a")
	require.NoError(t, err)

	rendered := fmt.Sprintf("%s %v", h, h)
	assert.NotContains(t, rendered, hex.EncodeToString(h.Bytes()))
	assert.Contains(t, rendered, "redacted")
}
