package models

import "time"

// Conversation is the single thread per (location, contact). The
// composite unique index is load-bearing: the reconciler's atomic
// find-or-create relies on it, not on a prior-existence check.
type Conversation struct {
	ID              string `gorm:"primaryKey"` // UUID
	LocationID      string `gorm:"uniqueIndex:idx_conversation_location_contact"`
	ContactID       string `gorm:"uniqueIndex:idx_conversation_location_contact"`
	ExternalID      string `gorm:"uniqueIndex"`
	LastMessageBody string `gorm:"type:text"`
	LastMessageAt   time.Time
	LastMessageType string
	UnreadCount     int    `gorm:"default:0"`
	Status          string `gorm:"default:open"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
