package models

import "time"

// Credential kinds.
const (
	CredentialOAuth   = "oauth"
	CredentialBrowser = "browser"
)

// Credential stores the auth material for one account. Owned exclusively
// by the auth manager; rows are written through the vault, which applies
// the configured cipher to the secret columns.
type Credential struct {
	AccountID        string `gorm:"primaryKey"`
	Kind             string // oauth | browser
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	SessionBlob      string `gorm:"type:text"` // serialized cookies for browser sessions
	SessionExpiresAt time.Time
	UpdatedAt        time.Time
}
