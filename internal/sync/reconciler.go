package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/docs"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	CheckpointLastFullSync = "last_full_sync"
)

// Reconciler keeps watermarks and sync checkpoints. Watermarks are stored
// locally first; the remote copy is a best-effort merge of one field.
type Reconciler struct {
	db     *store.DB
	remote remote.Store
	logger *zap.Logger
}

// NewReconciler creates a reconciler. rs may be nil to keep watermarks local.
func NewReconciler(db *store.DB, rs remote.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, remote: rs, logger: logger}
}

// Advance raises the watermark of a conversation to ts and returns the value
// in effect. The remote copy is only written when the local one moved.
func (r *Reconciler) Advance(ctx context.Context, conversationID string, ts int64) (int64, error) {
	before, err := r.db.Watermark(conversationID)
	if err != nil {
		return 0, err
	}
	after, err := r.db.AdvanceWatermark(conversationID, ts)
	if err != nil {
		return 0, err
	}
	if after == before || r.remote == nil {
		return after, nil
	}
	err = r.remote.Upsert(ctx, docs.WatermarksPath(r.db.UserID()),
		map[string]any{conversationID: after}, remote.UpsertOptions{Merge: true})
	if err != nil {
		r.logger.Debug("remote watermark not written",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return after, nil
}

// UpdateCheckpoint records a checkpoint time.
func (r *Reconciler) UpdateCheckpoint(key string, at time.Time) error {
	return r.db.SetCheckpoint(key, strconv.FormatInt(at.UnixMilli(), 10))
}

// GetCheckpoint returns a checkpoint time, or the zero time if unset.
func (r *Reconciler) GetCheckpoint(key string) (time.Time, error) {
	v, err := r.db.Checkpoint(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
