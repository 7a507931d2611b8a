package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfineRelPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "safe.pdf"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink("..", filepath.Join(root, "escape")))

	got, err := ConfineRelPath(root, "safe.pdf")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	// non-existent leaf under existing root is fine
	_, err = ConfineRelPath(root, "new-upload.pdf")
	assert.NoError(t, err)

	for _, bad := range []string{"../outside", "/etc/passwd", "a\\b", "escape/x"} {
		_, err := ConfineRelPath(root, bad)
		assert.Error(t, err, bad)
	}
}

func TestIsRegularFile(t *testing.T) {
	root := t.TempDir()
	f := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))

	assert.NoError(t, IsRegularFile(f))
	assert.Error(t, IsRegularFile(root))
	assert.Error(t, IsRegularFile(filepath.Join(root, "missing")))
}
