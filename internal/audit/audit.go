// SPDX-License-Identifier: MIT

// Package audit provides the append-only, tamper-evident trail of every
// security-relevant action in the pipeline. Records are hash-chained JSONL;
// the chain head is checkpointed atomically so truncation is detectable
// across restarts.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/log"
)

// Action is the type of audit event.
type Action string

const (
	ActionUpload      Action = "UPLOAD"
	ActionExtractOK   Action = "EXTRACT_OK"
	ActionExtractFail Action = "EXTRACT_FAIL"
	ActionParseOK     Action = "PARSE_OK"
	ActionParseFail   Action = "PARSE_FAIL"
	ActionEncryptOK   Action = "ENCRYPT_OK"
	ActionPersistOK   Action = "PERSIST_OK"
	ActionDelete      Action = "DELETE"
	ActionSweepDelete Action = "SWEEP_DELETE"
	ActionDataAccess  Action = "DATA_ACCESS"

	// Operational events
	ActionIntegrityAlert Action = "INTEGRITY_ALERT"
	ActionHighErrorRate  Action = "HIGH_ERROR_RATE"
	ActionPrune          Action = "PRUNE"
)

// Event is one audit record. PrevHash/RecordHash are filled by the logger.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  string            `json:"session_id,omitempty"`
	Actor      string            `json:"actor"`
	Action     Action            `json:"action"`
	Detail     map[string]string `json:"detail,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
}

// Sink is the append-only boundary consumed by the pipeline.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

const genesisHash = "genesis"

// Logger writes hash-chained events to <dir>/audit.log and mirrors each one
// to the structured log. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	path     string
	headPath string
	f        *os.File
	head     string
	zl       zerolog.Logger
}

// Open opens (or creates) the audit log under dir and verifies the chain
// against the head checkpoint. A checkpoint that is a valid ancestor of
// the file head means the process died between appending a record and
// updating the checkpoint; the checkpoint is rolled forward. A checkpoint
// that is not on the chain at all is an integrity error.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	l := &Logger{
		path:     filepath.Join(dir, "audit.log"),
		headPath: filepath.Join(dir, "audit.head"),
		zl:       log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
	}

	head, hashes, err := replayChain(l.path)
	if err != nil {
		return nil, err
	}
	l.head = head

	if checkpoint, err := os.ReadFile(l.headPath); err == nil {
		cp := string(checkpoint)
		if cp != l.head {
			onChain := false
			for _, h := range hashes {
				if h == cp {
					onChain = true
					break
				}
			}
			if !onChain {
				return nil, fmt.Errorf("audit checkpoint %q is not on the chain ending at %q: possible truncation", cp, l.head)
			}
			if err := renameio.WriteFile(l.headPath, []byte(l.head), 0o600); err != nil {
				return nil, fmt.Errorf("audit head checkpoint: %w", err)
			}
			l.zl.Warn().
				Str("checkpoint", cp).
				Str("head", l.head).
				Msg("audit checkpoint lagged the log, rolled forward")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit head checkpoint: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	l.f = f
	return l, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Append writes one event to the chain. The event is committed (fsynced and
// head-checkpointed) before Append returns.
func (l *Logger) Append(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.PrevHash = l.head
	e.RecordHash = ""
	h, err := hashEvent(e)
	if err != nil {
		return err
	}
	e.RecordHash = h

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit sync: %w", err)
	}
	if err := renameio.WriteFile(l.headPath, []byte(e.RecordHash), 0o600); err != nil {
		return fmt.Errorf("audit head checkpoint: %w", err)
	}
	l.head = e.RecordHash

	l.mirror(e)
	return nil
}

func (l *Logger) mirror(e Event) {
	ev := l.zl.Info().
		Time("timestamp", e.Timestamp).
		Str("action", string(e.Action)).
		Str("actor", e.Actor)
	if e.SessionID != "" {
		ev = ev.Str(log.FieldSessionID, e.SessionID)
	}
	for k, v := range e.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit event")
}

// Events returns the full chain in order.
func (l *Logger) Events() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEvents(l.path)
}

// Verify recomputes the whole chain and checks it against the checkpoint.
func (l *Logger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	head, _, err := replayChain(l.path)
	if err != nil {
		return err
	}
	if head != l.head {
		return fmt.Errorf("audit chain head mismatch: file=%q memory=%q", head, l.head)
	}
	return nil
}

// Prune removes events older than cutoff. Kept events are re-chained into a
// fresh file and a PRUNE record binds the prior chain head, so the removal
// itself stays on the record.
func (l *Logger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := readEvents(l.path)
	if err != nil {
		return 0, err
	}
	kept := events[:0]
	removed := 0
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	priorHead := l.head
	head := genesisHash
	var buf []byte
	for _, e := range kept {
		e.PrevHash = head
		e.RecordHash = ""
		h, err := hashEvent(e)
		if err != nil {
			return 0, err
		}
		e.RecordHash = h
		line, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		head = h
	}

	marker := Event{
		Timestamp: time.Now().UTC(),
		Actor:     "system",
		Action:    ActionPrune,
		Detail: map[string]string{
			"removed":    fmt.Sprintf("%d", removed),
			"prior_head": priorHead,
		},
		PrevHash: head,
	}
	mh, err := hashEvent(marker)
	if err != nil {
		return 0, err
	}
	marker.RecordHash = mh
	line, err := json.Marshal(marker)
	if err != nil {
		return 0, err
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	head = mh

	if err := l.f.Close(); err != nil {
		return 0, err
	}
	if err := renameio.WriteFile(l.path, buf, 0o600); err != nil {
		return 0, fmt.Errorf("audit prune rewrite: %w", err)
	}
	if err := renameio.WriteFile(l.headPath, []byte(head), 0o600); err != nil {
		return 0, fmt.Errorf("audit head checkpoint: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	l.f = f
	l.head = head

	l.zl.Info().Int("removed", removed).Msg("audit log pruned")
	return removed, nil
}

func hashEvent(e Event) (string, error) {
	e.RecordHash = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt audit record: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// replayChain verifies every link and returns the head hash together with
// every record hash on the chain, genesis first.
func replayChain(path string) (string, []string, error) {
	events, err := readEvents(path)
	if err != nil {
		return "", nil, err
	}
	head := genesisHash
	hashes := []string{genesisHash}
	for i, e := range events {
		if e.PrevHash != head {
			return "", nil, fmt.Errorf("audit chain broken at record %d: prev_hash %q, expected %q", i, e.PrevHash, head)
		}
		want, err := hashEvent(e)
		if err != nil {
			return "", nil, err
		}
		if want != e.RecordHash {
			return "", nil, fmt.Errorf("audit chain record %d hash mismatch", i)
		}
		head = e.RecordHash
		hashes = append(hashes, head)
	}
	return head, hashes, nil
}
