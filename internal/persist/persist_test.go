// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/pipeline/model"
)

func TestSQLiteStore_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer st.Close()

	meta := Meta{SessionID: "s1", AnalysisType: model.AnalysisHormones, CreatedAt: time.Now()}
	id, err := st.Persist(ctx, "owner-a", []byte{0x01, 0x02, 0x03}, meta)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	box, err := st.Ciphertext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, box)

	n, err := st.CountByOwner(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.CountByOwner(ctx, "owner-b")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteStore_UnknownRecord(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Ciphertext(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, model.FailPersist, model.FailureOf(err))
}

func TestMemoryStore_FailNext(t *testing.T) {
	st := NewMemoryStore()
	st.FailNext = assert.AnError

	_, err := st.Persist(context.Background(), "owner-a", []byte{0x01}, Meta{})
	require.Error(t, err)
	assert.Equal(t, model.FailPersist, model.FailureOf(err))

	// next call succeeds again
	id, err := st.Persist(context.Background(), "owner-a", []byte{0x01}, Meta{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, st.Len())
}
