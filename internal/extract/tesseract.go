// SPDX-License-Identifier: MIT

package extract

import (
	"context"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/pipeline/model"
)

// DefaultMinChars is the minimum extracted-text length below which the
// document counts as unreadable noise.
const DefaultMinChars = 20

// Tesseract runs OCR through a per-call gosseract client. The client is
// not cancellable mid-recognition, so Run executes it on its own goroutine
// and abandons it on timeout.
type Tesseract struct {
	Languages []string
	Timeout   time.Duration
	MinChars  int
}

// NewTesseract builds an engine from a comma-separated language list
// ("eng", "eng+deu" style strings also accepted via "+").
func NewTesseract(languages string, timeout time.Duration) *Tesseract {
	var langs []string
	for _, l := range strings.FieldsFunc(languages, func(r rune) bool { return r == ',' || r == '+' }) {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return &Tesseract{Languages: langs, Timeout: timeout}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 30 * time.Second
}

func (t *Tesseract) minChars() int {
	if t.MinChars > 0 {
		return t.MinChars
	}
	return DefaultMinChars
}

type ocrResult struct {
	text string
	err  error
}

func (t *Tesseract) Run(ctx context.Context, artifactPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	ch := make(chan ocrResult, 1)
	go func() {
		ch <- t.recognize(artifactPath)
	}()

	select {
	case <-ctx.Done():
		logger := log.WithComponentFromContext(ctx, "extract")
		logger.Warn().
			Str(log.FieldPath, artifactPath).
			Msg("abandoning OCR run on timeout")
		return "", failf(model.FailEngineTimeout, "ocr did not finish within %s: %w", t.timeout(), ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		if len(res.text) < t.minChars() {
			return "", failf(model.FailEmptyOutput, "ocr produced %d chars, need at least %d", len(res.text), t.minChars())
		}
		return res.text, nil
	}
}

func (t *Tesseract) recognize(artifactPath string) (res ocrResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ocrResult{err: failf(model.FailEngineCrash, "ocr engine panic: %v", r)}
		}
	}()

	c := gosseract.NewClient()
	defer c.Close()

	if err := c.SetImage(artifactPath); err != nil {
		return ocrResult{err: failf(model.FailUnreadableFormat, "set image: %w", err)}
	}
	if len(t.Languages) > 0 {
		if err := c.SetLanguage(t.Languages...); err != nil {
			return ocrResult{err: failf(model.FailEngineCrash, "set languages: %w", err)}
		}
	}
	// Lab reports are a single uniform text block.
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return ocrResult{err: failf(model.FailEngineCrash, "set page seg mode: %w", err)}
	}

	text, err := c.Text()
	if err != nil {
		return ocrResult{err: failf(model.FailEngineCrash, "recognize text: %w", err)}
	}
	return ocrResult{text: strings.TrimSpace(text)}
}

var _ Engine = (*Tesseract)(nil)
