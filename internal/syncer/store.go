// Package syncer drives the fetch → resolve → reconcile → advance loop
// per (account, channel) pair and owns the resumable cursor for each.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"gorm.io/gorm"
)

// ErrStaleCursor means another run advanced the cursor first; the
// caller discards its own progress instead of overwriting newer state.
var ErrStaleCursor = errors.New("cursor advanced by a newer run")

// CursorStore persists one cursor per (account, channel). The advance
// check is the serialization point between overlapping runs for the
// same pair.
type CursorStore struct {
	db *gorm.DB
}

// NewCursorStore creates a store over db.
func NewCursorStore(db *gorm.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the cursor for the pair, or an unpersisted zero cursor
// when none exists yet.
func (s *CursorStore) Get(ctx context.Context, accountID, channel string) (*models.SyncCursor, error) {
	var cur models.SyncCursor
	err := s.db.WithContext(ctx).
		First(&cur, "account_id = ? AND channel = ?", accountID, channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SyncCursor{AccountID: accountID, Channel: channel}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor %s/%s: %w", accountID, channel, err)
	}
	return &cur, nil
}

// Advance moves the cursor from prevToken to newToken. It re-reads the
// stored row inside a transaction and refuses with ErrStaleCursor when
// the token no longer matches prevToken, proving a newer run got there
// first.
func (s *CursorStore) Advance(ctx context.Context, accountID, channel, prevToken, newToken string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.SyncCursor
		err := tx.First(&cur, "account_id = ? AND channel = ?", accountID, channel).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if prevToken != "" {
				return ErrStaleCursor
			}
			return tx.Create(&models.SyncCursor{
				AccountID:    accountID,
				Channel:      channel,
				OpaqueToken:  newToken,
				LastSyncedAt: time.Now(),
			}).Error
		case err != nil:
			return fmt.Errorf("read cursor %s/%s: %w", accountID, channel, err)
		}

		if cur.OpaqueToken != prevToken {
			return ErrStaleCursor
		}
		return tx.Model(&cur).Updates(map[string]interface{}{
			"opaque_token":   newToken,
			"last_synced_at": time.Now(),
		}).Error
	})
}

// Reset deletes the cursor so the next run starts a full sync. The one
// sanctioned rollback.
func (s *CursorStore) Reset(ctx context.Context, accountID, channel string) error {
	return s.db.WithContext(ctx).
		Where("account_id = ? AND channel = ?", accountID, channel).
		Delete(&models.SyncCursor{}).Error
}
