package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_AppendAndVerify(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionUpload}))
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionExtractOK}))
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionDelete, Detail: map[string]string{"cause": "pipeline"}}))
	require.NoError(t, l.Verify())

	events, err := l.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ActionUpload, events[0].Action)
	assert.Equal(t, "genesis", events[0].PrevHash)
	assert.Equal(t, events[0].RecordHash, events[1].PrevHash)
	assert.Equal(t, events[1].RecordHash, events[2].PrevHash)
	assert.Equal(t, "system", events[0].Actor)
	require.NoError(t, l.Close())

	// reopen against the existing chain
	l2, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Append(ctx, Event{SessionID: "s2", Action: ActionUpload}))
	require.NoError(t, l2.Verify())
	require.NoError(t, l2.Close())
}

func TestLogger_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionUpload}))
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionDelete}))
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "audit.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// flip a byte inside the first record
	tampered := []byte(string(data))
	copy(tampered, []byte(`{"timestamp":"2001`))
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = Open(dir)
	assert.Error(t, err)
}

func TestLogger_DetectsTruncation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionUpload}))
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionDelete}))
	require.NoError(t, l.Close())

	// drop the last line; the head checkpoint still references it
	require.NoError(t, os.Truncate(filepath.Join(dir, "audit.log"), 0))
	_, err = Open(dir)
	assert.Error(t, err)
}

func TestLogger_Prune(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)

	old := Event{SessionID: "old", Action: ActionUpload, Timestamp: time.Now().Add(-100 * 24 * time.Hour)}
	require.NoError(t, l.Append(ctx, old))
	require.NoError(t, l.Append(ctx, Event{SessionID: "new", Action: ActionUpload}))

	removed, err := l.Prune(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, l.Verify())

	events, err := l.Events()
	require.NoError(t, err)
	// kept record plus the PRUNE marker
	require.Len(t, events, 2)
	assert.Equal(t, "new", events[0].SessionID)
	assert.Equal(t, ActionPrune, events[1].Action)
	assert.NotEmpty(t, events[1].Detail["prior_head"])

	// second prune in a row is a no-op
	removed, err = l.Prune(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	// chain still appendable after prune
	require.NoError(t, l.Append(ctx, Event{SessionID: "s3", Action: ActionUpload}))
	require.NoError(t, l.Verify())
	require.NoError(t, l.Close())
}

func TestOpen_RollsForwardLaggingCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionUpload}))
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionDelete}))

	events, err := l.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	fileHead := events[1].RecordHash
	require.NoError(t, l.Close())

	// simulate a crash between appending the last record and updating the
	// checkpoint: the checkpoint still names the previous record
	headPath := filepath.Join(dir, "audit.head")
	require.NoError(t, os.WriteFile(headPath, []byte(events[0].RecordHash), 0o600))

	l, err = Open(dir)
	require.NoError(t, err, "a lagging checkpoint must not brick the log")
	require.NoError(t, l.Verify())

	cp, err := os.ReadFile(headPath)
	require.NoError(t, err)
	assert.Equal(t, fileHead, string(cp))

	// still appendable after recovery
	require.NoError(t, l.Append(ctx, Event{SessionID: "s2", Action: ActionUpload}))
	require.NoError(t, l.Verify())
	require.NoError(t, l.Close())
}

func TestOpen_RejectsOffChainCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Event{SessionID: "s1", Action: ActionUpload}))
	require.NoError(t, l.Close())

	headPath := filepath.Join(dir, "audit.head")
	require.NoError(t, os.WriteFile(headPath, []byte("deadbeef"), 0o600))

	_, err = Open(dir)
	assert.Error(t, err)
}
