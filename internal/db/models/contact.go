package models

import "time"

// Contact is a canonical person. Uniqueness per (location, normalized
// email) is best-effort: the resolver matches before creating, but no
// hard constraint exists because email may be absent.
type Contact struct {
	ID          string `gorm:"primaryKey"` // UUID
	LocationID  string `gorm:"index:idx_contact_location_email"`
	Name        string
	Email       string `gorm:"index:idx_contact_location_email"`
	Phone       string `gorm:"index"`
	ExternalIDs string `gorm:"type:text"` // JSON map provider -> external contact id
	ContactType string `gorm:"default:Lead"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
