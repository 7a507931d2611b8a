// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
)

// GetSessionStatus returns the external projection of a session and logs
// the access. The view carries no paths, no plaintext, no key material.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID, actor string) (*model.SessionView, error) {
	sess, err := o.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	if err := o.Audit.Append(ctx, audit.Event{
		SessionID: sessionID,
		Actor:     actor,
		Action:    audit.ActionDataAccess,
		Detail:    map[string]string{"state": string(sess.State)},
	}); err != nil {
		return nil, fmt.Errorf("audit access: %w", err)
	}
	view := sess.View()
	return &view, nil
}
