// Package checkpoint persists and retrieves run checkpoints, either in the
// durable store, as JSON objects in blob storage, or both.
package checkpoint

import (
	"aquasim/internal/blob"
	"aquasim/internal/config"
	"aquasim/pkg/domain"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
)

// Checkpointer saves and loads the checkpoints of runs.
type Checkpointer interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	// Latest returns the highest-sequence checkpoint of runID.
	Latest(ctx context.Context, runID string) (domain.Checkpoint, bool, error)
	List(ctx context.Context, runID string) ([]domain.CheckpointInfo, error)
}

// New builds the checkpointer selected by cfg. blobs may be nil for the
// store driver.
func New(cfg config.Checkpoint, store domain.PersistentStore, blobs blob.Store, logger *slog.Logger) (Checkpointer, error) {
	switch cfg.Driver {
	case "", config.CheckpointStore:
		return NewStore(store), nil
	case config.CheckpointBlob:
		if blobs == nil {
			return nil, errors.New("checkpoint: blob driver requires a blob store")
		}
		return NewBlob(blobs, cfg.Prefix, cfg.Keep), nil
	case config.CheckpointMirror:
		if blobs == nil {
			return nil, errors.New("checkpoint: mirror driver requires a blob store")
		}
		return NewMirror(NewStore(store), NewBlob(blobs, cfg.Prefix, cfg.Keep), logger), nil
	}
	return nil, fmt.Errorf("checkpoint: unknown driver %q", cfg.Driver)
}

// Store keeps checkpoints in the durable store next to the run's rows.
type Store struct {
	store domain.PersistentStore
}

// NewStore returns a store-backed checkpointer.
func NewStore(store domain.PersistentStore) *Store { return &Store{store: store} }

func (s *Store) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint: save %s/%d: %w", cp.RunID, cp.Sequence, err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	return s.store.LatestCheckpoint(ctx, runID)
}

func (s *Store) List(ctx context.Context, runID string) ([]domain.CheckpointInfo, error) {
	return s.store.ListCheckpoints(ctx, runID)
}

// Blob archives checkpoints as <prefix>/<run>/<sequence>.json objects.
type Blob struct {
	blobs  blob.Store
	prefix string
	keep   int
}

// NewBlob returns a blob-backed checkpointer. keep > 0 retains only the most
// recent keep checkpoints of each run.
func NewBlob(blobs blob.Store, prefix string, keep int) *Blob {
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &Blob{blobs: blobs, prefix: strings.Trim(prefix, "/"), keep: keep}
}

// Key returns the object key of a checkpoint.
func (b *Blob) Key(runID string, sequence int) string {
	return path.Join(b.prefix, runID, fmt.Sprintf("%06d.json", sequence))
}

func (b *Blob) runPrefix(runID string) string { return path.Join(b.prefix, runID) + "/" }

func (b *Blob) Save(ctx context.Context, cp domain.Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint: run id required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	key := b.Key(cp.RunID, cp.Sequence)
	if _, err := b.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("checkpoint: replace %s: %w", key, err)
	}
	if _, err := b.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"run":      cp.RunID,
			"sequence": strconv.Itoa(cp.Sequence),
			"date":     cp.Date.Format(time.DateOnly),
		},
	}); err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", key, err)
	}
	return b.prune(ctx, cp.RunID)
}

func (b *Blob) prune(ctx context.Context, runID string) error {
	if b.keep <= 0 {
		return nil
	}
	infos, err := b.blobs.List(ctx, b.runPrefix(runID))
	if err != nil {
		return fmt.Errorf("checkpoint: list %s: %w", runID, err)
	}
	for i := 0; i < len(infos)-b.keep; i++ {
		if _, err := b.blobs.Delete(ctx, infos[i].Key); err != nil {
			return fmt.Errorf("checkpoint: prune %s: %w", infos[i].Key, err)
		}
	}
	return nil
}

func (b *Blob) Latest(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	infos, err := b.blobs.List(ctx, b.runPrefix(runID))
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint: list %s: %w", runID, err)
	}
	if len(infos) == 0 {
		return domain.Checkpoint{}, false, nil
	}
	key := infos[len(infos)-1].Key
	_, rc, err := b.blobs.Get(ctx, key)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint: get %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	var cp domain.Checkpoint
	if err := json.NewDecoder(rc).Decode(&cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint: decode %s: %w", key, err)
	}
	return cp, true, nil
}

func (b *Blob) List(ctx context.Context, runID string) ([]domain.CheckpointInfo, error) {
	infos, err := b.blobs.List(ctx, b.runPrefix(runID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", runID, err)
	}
	out := make([]domain.CheckpointInfo, 0, len(infos))
	for _, inf := range infos {
		seq, err := strconv.Atoi(strings.TrimSuffix(path.Base(inf.Key), ".json"))
		if err != nil {
			continue
		}
		md := inf.Metadata
		if md["date"] == "" {
			head, err := b.blobs.Head(ctx, inf.Key)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: head %s: %w", inf.Key, err)
			}
			md = head.Metadata
		}
		date, _ := time.Parse(time.DateOnly, md["date"])
		out = append(out, domain.CheckpointInfo{RunID: runID, Sequence: seq, Date: date})
	}
	return out, nil
}

// Mirror writes to a primary checkpointer and archives to a second one. It
// reads from the primary and falls back to the archive when the primary has
// nothing, which lets a run resume against a fresh store.
type Mirror struct {
	primary Checkpointer
	archive Checkpointer
	log     *slog.Logger
}

// NewMirror returns a mirroring checkpointer.
func NewMirror(primary, archive Checkpointer, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{primary: primary, archive: archive, log: logger}
}

func (m *Mirror) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := m.primary.Save(ctx, cp); err != nil {
		return err
	}
	return m.archive.Save(ctx, cp)
}

func (m *Mirror) Latest(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	cp, ok, err := m.primary.Latest(ctx, runID)
	if err != nil || ok {
		return cp, ok, err
	}
	cp, ok, err = m.archive.Latest(ctx, runID)
	if ok {
		m.log.Info("checkpoint restored from archive", "run", runID, "sequence", cp.Sequence,
			"date", cp.Date.Format(time.DateOnly))
	}
	return cp, ok, err
}

func (m *Mirror) List(ctx context.Context, runID string) ([]domain.CheckpointInfo, error) {
	out, err := m.primary.List(ctx, runID)
	if err != nil || len(out) > 0 {
		return out, err
	}
	return m.archive.List(ctx, runID)
}
