// SPDX-License-Identifier: MIT

package extract

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// PlainText reads the artifact as UTF-8 text. Used for drop-folder text
// deployments and as the engine in pipeline tests.
type PlainText struct {
	MinChars int
}

func (p *PlainText) Name() string { return "plaintext" }

func (p *PlainText) minChars() int {
	if p.MinChars > 0 {
		return p.MinChars
	}
	return 1
}

func (p *PlainText) Run(ctx context.Context, artifactPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failf(model.FailEngineTimeout, "extraction canceled: %w", err)
	}
	data, err := os.ReadFile(artifactPath) // #nosec G304 -- path is spool-confined by ingestion
	if err != nil {
		return "", failf(model.FailEngineCrash, "read artifact: %w", err)
	}
	if !utf8.Valid(data) {
		return "", failf(model.FailUnreadableFormat, "artifact is not valid UTF-8 text")
	}
	text := strings.TrimSpace(string(data))
	if len(text) < p.minChars() {
		return "", failf(model.FailEmptyOutput, "artifact has %d chars, need at least %d", len(text), p.minChars())
	}
	return text, nil
}

var _ Engine = (*PlainText)(nil)
