// Package auth owns the credential lifecycle: refresh-before-expiry,
// refresh race safety, forced refresh on unauthorized responses, and
// the terminal revoked state.
package auth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
	"github.com/estiohq/syncd/internal/vault"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// RefreshFunc exchanges a refresh token for a new access token.
// Injectable so tests never hit the network.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Manager hands out valid credentials per account.
type Manager struct {
	db      *gorm.DB
	vault   vault.Vault
	cfg     config.AuthConfig
	refresh RefreshFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager that refreshes through the configured
// OAuth token endpoint.
func NewManager(db *gorm.DB, v vault.Vault, cfg config.AuthConfig) *Manager {
	m := &Manager{
		db:    db,
		vault: v,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
	m.refresh = m.oauthRefresh
	return m
}

// WithRefreshFunc overrides the token exchange (tests).
func (m *Manager) WithRefreshFunc(fn RefreshFunc) *Manager {
	m.refresh = fn
	return m
}

func (m *Manager) oauthRefresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	oc := &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.cfg.TokenURL},
	}
	return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// accountLock returns the per-account mutex so concurrent callers for
// the same account serialize on refresh.
func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// GetValidCredential returns a usable credential for the account,
// refreshing OAuth tokens when expiry is within the refresh buffer.
// Browser-session credentials are returned as stored; replay validity
// is the session pool's concern, except the absolute wall-clock expiry
// which is enforced here by flagging the blob as unusable.
func (m *Manager) GetValidCredential(ctx context.Context, accountID string) (*models.Credential, error) {
	cred, err := m.vault.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if cred.Kind == models.CredentialBrowser {
		return cred, nil
	}

	if time.Until(cred.ExpiresAt) > m.cfg.RefreshBuffer {
		return cred, nil
	}

	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another caller may already have advanced
	// expiry past the buffer. Short-circuiting here prevents duplicate
	// refresh calls that would invalidate single-use rotating refresh
	// tokens.
	fresh, err := m.vault.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if time.Until(fresh.ExpiresAt) > m.cfg.RefreshBuffer {
		log.Printf("🎫 account %s: token already refreshed by another caller", accountID)
		return fresh, nil
	}

	return m.refreshLocked(ctx, fresh)
}

// ForceRefresh refreshes the account's token regardless of the buffer.
// Used by the retry policy after an Unauthorized response.
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.vault.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if cred.Kind != models.CredentialOAuth {
		return fmt.Errorf("account %s: cannot force-refresh %s credential", accountID, cred.Kind)
	}
	_, err = m.refreshLocked(ctx, cred)
	return err
}

// refreshLocked exchanges the refresh token and persists the result.
// Caller holds the account lock.
func (m *Manager) refreshLocked(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	newToken, err := m.refresh(ctx, cred.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("🔒 account %s: refresh rejected permanently: %v", cred.AccountID, err)
			if rerr := m.MarkRevoked(ctx, cred.AccountID); rerr != nil {
				log.Printf("⚠️ account %s: failed to mark revoked: %v", cred.AccountID, rerr)
			}
			return nil, fmt.Errorf("%w: %v", provider.ErrAuthRevoked, err)
		}
		return nil, fmt.Errorf("refresh token for %s: %w", cred.AccountID, err)
	}

	cred.AccessToken = newToken.AccessToken
	cred.ExpiresAt = newToken.Expiry
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if newToken.RefreshToken != "" && newToken.RefreshToken != cred.RefreshToken {
		log.Printf("🔄 account %s: rotating refresh token", cred.AccountID)
		cred.RefreshToken = newToken.RefreshToken
	}

	if err := m.vault.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist refreshed token for %s: %w", cred.AccountID, err)
	}

	log.Printf("✅ account %s: token refreshed (expires %s)", cred.AccountID, newToken.Expiry.Format(time.RFC3339))
	return cred, nil
}

// MarkRevoked disables automatic sync for the account and surfaces the
// re-authentication requirement.
func (m *Manager) MarkRevoked(ctx context.Context, accountID string) error {
	res := m.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{"is_active": false, "needs_reauth": true})
	if res.Error != nil {
		return res.Error
	}
	log.Printf("🔒 account %s: sync disabled, re-authentication required", accountID)
	return nil
}

// ClearRevoked re-enables an account after external re-consent.
func (m *Manager) ClearRevoked(ctx context.Context, accountID string) error {
	return m.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{"is_active": true, "needs_reauth": false}).Error
}

// SessionReplayable reports whether a browser credential's stored
// cookies may still be replayed, or whether the absolute wall-clock
// validity has passed and only a full re-login can help.
func (m *Manager) SessionReplayable(cred *models.Credential) bool {
	if cred.Kind != models.CredentialBrowser || cred.SessionBlob == "" {
		return false
	}
	return time.Now().Before(cred.SessionExpiresAt)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
