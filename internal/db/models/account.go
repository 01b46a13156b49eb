package models

import "time"

// Provider kinds an account can sync through.
const (
	ProviderPipeline  = "pipeline"
	ProviderMailDelta = "maildelta"
	ProviderWebmail   = "webmail"
)

// Account is one external messaging account being synced.
// NeedsReauth marks the terminal auth-revoked state: automatic runs are
// disabled until credentials are externally refreshed.
//
// IsActive carries no column default: gorm drops zero-valued fields
// that have one, which would silently flip a deactivated account back
// to active on insert. Creation paths set it explicitly.
type Account struct {
	ID          string `gorm:"primaryKey"` // UUID
	LocationID  string `gorm:"index"`
	Email       string
	Provider    string // pipeline | maildelta | webmail
	IsActive    bool
	NeedsReauth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
