// SPDX-License-Identifier: MIT

// Package ingest accepts uploaded documents into the spool and opens their
// processing session. From the moment a file is written the retention
// window is running.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/platform/fs"
	"github.com/medvault/medvault/internal/retention"
)

var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_uploads_total",
			Help: "Accepted uploads by analysis source.",
		},
		[]string{"source"},
	)
	uploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_uploads_rejected_total",
			Help: "Rejected uploads by reason.",
		},
		[]string{"reason"},
	)
)

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tiff": true,
}

var (
	// ErrUnsupportedType rejects files the extraction engines cannot read.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge rejects uploads over the configured limit.
	ErrTooLarge = errors.New("file too large")
	// ErrRateLimited rejects uploads over the per-owner budget.
	ErrRateLimited = errors.New("upload rate limit exceeded")
	// ErrInvalidOwner rejects owner IDs that cannot name a spool subtree.
	ErrInvalidOwner = errors.New("invalid owner id")
)

// Ingester validates uploads, spools them and opens sessions.
type Ingester struct {
	Store           store.StateStore
	Audit           audit.Sink
	Clock           retention.Clock
	SpoolDir        string
	RetentionWindow time.Duration
	MaxBytes        int64
	Limits          *OwnerLimits
	// Enqueue hands the stored session to the worker pool. A failed
	// enqueue leaves the session STORED; the sweep will collect it when
	// the window expires.
	Enqueue func(ctx context.Context, sessionID string) error

	Source string // "api" or "intake", for metrics and audit detail
}

func (in *Ingester) source() string {
	if in.Source != "" {
		return in.Source
	}
	return "api"
}

// IngestFile accepts one document. Re-uploading identical content within
// the retention window returns the already running session.
func (in *Ingester) IngestFile(ctx context.Context, ownerID, filename string, data []byte) (*model.Session, error) {
	logger := log.WithComponentFromContext(ctx, "ingest").With().
		Str(log.FieldOwnerID, ownerID).Logger()

	if !model.IsSafeSessionID(ownerID) {
		uploadsRejected.WithLabelValues("owner").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidOwner, ownerID)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		uploadsRejected.WithLabelValues("type").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
	if in.MaxBytes > 0 && int64(len(data)) > in.MaxBytes {
		uploadsRejected.WithLabelValues("size").Inc()
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), in.MaxBytes)
	}
	if in.Limits != nil && !in.Limits.Allow(ownerID) {
		uploadsRejected.WithLabelValues("rate").Inc()
		return nil, fmt.Errorf("%w for owner %s", ErrRateLimited, ownerID)
	}

	now := in.Clock.Now()
	sum := sha256.Sum256(data)
	uploadKey := ownerID + ":" + hex.EncodeToString(sum[:])

	sess := &model.Session{
		ID:                 uuid.NewString(),
		Owner:              ownerID,
		State:              model.SessionCreated,
		OriginalFilename:   sanitizeFilename(filename),
		CreatedAtUnix:      now.Unix(),
		DeadlineUnix:       retention.Deadline(now, in.RetentionWindow).Unix(),
		LastTransitionUnix: now.Unix(),
	}

	existingID, replay, err := in.Store.PutWithUploadKey(ctx, sess, uploadKey, in.RetentionWindow)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if replay {
		logger.Info().
			Str(log.FieldSessionID, existingID).
			Msg("duplicate upload, returning running session")
		return in.Store.Get(ctx, existingID)
	}

	spoolPath, err := in.writeSpool(sess, data, now.Unix())
	if err != nil {
		// The session exists but holds no artifact. Mark it failed so the
		// sweep does not wait out the window for nothing.
		_, _ = in.Store.Update(ctx, sess.ID, func(s *model.Session) error {
			s.State = model.SessionFailed
			s.Failure = model.FailInternal
			s.FailureDetail = "spool write failed"
			s.LastTransitionUnix = now.Unix()
			return nil
		})
		return nil, fmt.Errorf("spool write: %w", err)
	}

	updated, err := in.Store.Update(ctx, sess.ID, func(s *model.Session) error {
		s.State = model.SessionStored
		s.ArtifactPath = spoolPath
		s.LastTransitionUnix = now.Unix()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store transition: %w", err)
	}

	if err := in.Audit.Append(ctx, audit.Event{
		SessionID: sess.ID,
		Actor:     ownerID,
		Action:    audit.ActionUpload,
		Detail: map[string]string{
			"filename": updated.OriginalFilename,
			"source":   in.source(),
			"bytes":    fmt.Sprintf("%d", len(data)),
		},
	}); err != nil {
		return nil, fmt.Errorf("audit upload: %w", err)
	}
	uploadsTotal.WithLabelValues(in.source()).Inc()

	if in.Enqueue != nil {
		if err := in.Enqueue(ctx, sess.ID); err != nil {
			logger.Warn().Err(err).
				Str(log.FieldSessionID, sess.ID).
				Msg("enqueue failed, session left to the sweep")
		}
	}

	logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldPath, filepath.Base(spoolPath)).
		Msg("document spooled")
	return updated, nil
}

// writeSpool stores the artifact as <id>_<unix>_<name> with owner-only
// permissions, confined to the spool dir.
func (in *Ingester) writeSpool(sess *model.Session, data []byte, unix int64) (string, error) {
	if err := os.MkdirAll(in.SpoolDir, 0o700); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%s", sess.ID, unix, sess.OriginalFilename)
	path, err := fs.ConfineRelPath(in.SpoolDir, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// sanitizeFilename strips directory components and characters that have
// no business in a spool filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
