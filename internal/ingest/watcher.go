// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/medvault/medvault/internal/log"
)

// settleDelay gives the writer time to finish before the file is read.
// Drop-folder writers rarely write atomically.
const settleDelay = 500 * time.Millisecond

// Watcher ingests files dropped into <intake>/<owner>/. The owner is the
// directory name; the file is consumed (ingested, then removed) on arrival.
type Watcher struct {
	Ingester  *Ingester
	IntakeDir string
}

// Run watches until ctx is canceled. Owner directories existing at start
// are scanned once so files dropped while the daemon was down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("intake")

	if err := os.MkdirAll(w.IntakeDir, 0o700); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.IntakeDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.IntakeDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			ownerDir := filepath.Join(w.IntakeDir, e.Name())
			if err := fw.Add(ownerDir); err != nil {
				logger.Warn().Err(err).Str(log.FieldPath, ownerDir).Msg("cannot watch owner dir")
				continue
			}
			w.scanExisting(ctx, e.Name(), ownerDir)
		}
	}

	logger.Info().Str(log.FieldPath, w.IntakeDir).Msg("intake watcher running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// new owner directory appeared
				if filepath.Dir(ev.Name) == w.IntakeDir {
					if err := fw.Add(ev.Name); err != nil {
						logger.Warn().Err(err).Str(log.FieldPath, ev.Name).Msg("cannot watch owner dir")
					}
				}
				continue
			}
			owner := filepath.Base(filepath.Dir(ev.Name))
			if filepath.Dir(filepath.Dir(ev.Name)) != filepath.Clean(w.IntakeDir) {
				continue
			}
			w.consume(ctx, owner, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("intake watch error")
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context, owner, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.consume(ctx, owner, filepath.Join(dir, e.Name()))
		}
	}
}

// consume ingests one dropped file and removes it from the intake dir.
// The intake copy is removed even when ingestion fails: leaving medical
// documents in a drop folder is worse than asking for a re-upload.
func (w *Watcher) consume(ctx context.Context, owner, path string) {
	logger := log.WithComponent("intake").With().
		Str(log.FieldOwnerID, owner).
		Str(log.FieldPath, filepath.Base(path)).Logger()

	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is inside the intake tree
	if err != nil {
		logger.Warn().Err(err).Msg("cannot read dropped file")
		return
	}
	if _, err := w.Ingester.IngestFile(ctx, owner, filepath.Base(path), data); err != nil {
		logger.Warn().Err(err).Msg("dropped file rejected")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Error().Err(err).Msg("cannot remove intake copy")
	}
}
