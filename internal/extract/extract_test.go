// SPDX-License-Identifier: MIT

package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/pipeline/model"
)

func writeArtifact(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestPlainText_Run(t *testing.T) {
	e := &PlainText{}
	path := writeArtifact(t, "report.txt", []byte("Hemoglobin\n14,2 g/dl\n"))

	text, err := e.Run(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, text, "Hemoglobin")
}

func TestPlainText_EmptyOutput(t *testing.T) {
	e := &PlainText{}
	path := writeArtifact(t, "blank.txt", []byte("   \n\t\n"))

	_, err := e.Run(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, model.FailEmptyOutput, CodeOf(err))
}

func TestPlainText_UnreadableFormat(t *testing.T) {
	e := &PlainText{}
	path := writeArtifact(t, "junk.bin", []byte{0xff, 0xfe, 0x00, 0x81, 0x81})

	_, err := e.Run(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, model.FailUnreadableFormat, CodeOf(err))
}

func TestPlainText_MissingArtifact(t *testing.T) {
	e := &PlainText{}
	_, err := e.Run(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))
	require.Error(t, err)
	assert.Equal(t, model.FailEngineCrash, CodeOf(err))
}

func TestPlainText_CanceledContext(t *testing.T) {
	e := &PlainText{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, "irrelevant")
	require.Error(t, err)
	assert.Equal(t, model.FailEngineTimeout, CodeOf(err))
}

func TestCodeOf_UnclassifiedError(t *testing.T) {
	assert.Equal(t, model.FailInternal, CodeOf(errors.New("boom")))
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := failf(model.FailEmptyOutput, "nothing")
	wrapped := errors.Join(errors.New("stage extract"), inner)
	assert.Equal(t, model.FailEmptyOutput, CodeOf(wrapped))
}

func TestNewTesseract_LanguageParsing(t *testing.T) {
	e := NewTesseract("eng, deu+fra", 0)
	assert.Equal(t, []string{"eng", "deu", "fra"}, e.Languages)
	assert.Equal(t, "tesseract", e.Name())
}
