package models

import "time"

// SyncCursor is the resumable position for one (account, channel) pair.
// It advances monotonically and is never rolled back except by an
// explicit reset.
type SyncCursor struct {
	ID           uint   `gorm:"primaryKey"`
	AccountID    string `gorm:"uniqueIndex:idx_account_channel"`
	Channel      string `gorm:"uniqueIndex:idx_account_channel"`
	OpaqueToken  string `gorm:"type:text"`
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}
