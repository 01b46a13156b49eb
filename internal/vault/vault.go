// Package vault is the credential storage boundary. Encryption is the
// cipher's responsibility; the vault only decides which columns are
// secret. Everything above this package handles plaintext credentials.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no credential exists for an account.
var ErrNotFound = errors.New("vault: credential not found")

// Cipher encrypts and decrypts secret values at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Vault stores credentials per account.
type Vault interface {
	Get(ctx context.Context, accountID string) (*models.Credential, error)
	Put(ctx context.Context, cred *models.Credential) error
}

// NoopCipher stores values as-is. Useful for tests and local setups
// where disk encryption is handled elsewhere.
type NoopCipher struct{}

func (NoopCipher) Encrypt(s string) (string, error) { return s, nil }
func (NoopCipher) Decrypt(s string) (string, error) { return s, nil }

// Store is the gorm-backed vault.
type Store struct {
	db     *gorm.DB
	cipher Cipher
}

// NewStore creates a vault over db using cipher for the secret columns.
func NewStore(db *gorm.DB, cipher Cipher) *Store {
	if cipher == nil {
		cipher = NoopCipher{}
	}
	return &Store{db: db, cipher: cipher}
}

// Get returns the decrypted credential for accountID.
func (s *Store) Get(ctx context.Context, accountID string) (*models.Credential, error) {
	var row models.Credential
	if err := s.db.WithContext(ctx).First(&row, "account_id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault get: %w", err)
	}

	cred := row
	var err error
	if cred.AccessToken, err = s.cipher.Decrypt(row.AccessToken); err != nil {
		return nil, fmt.Errorf("vault decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.cipher.Decrypt(row.RefreshToken); err != nil {
		return nil, fmt.Errorf("vault decrypt refresh token: %w", err)
	}
	if cred.SessionBlob, err = s.cipher.Decrypt(row.SessionBlob); err != nil {
		return nil, fmt.Errorf("vault decrypt session blob: %w", err)
	}
	return &cred, nil
}

// Put encrypts and upserts the credential.
func (s *Store) Put(ctx context.Context, cred *models.Credential) error {
	row := *cred
	var err error
	if row.AccessToken, err = s.cipher.Encrypt(cred.AccessToken); err != nil {
		return fmt.Errorf("vault encrypt access token: %w", err)
	}
	if row.RefreshToken, err = s.cipher.Encrypt(cred.RefreshToken); err != nil {
		return fmt.Errorf("vault encrypt refresh token: %w", err)
	}
	if row.SessionBlob, err = s.cipher.Encrypt(cred.SessionBlob); err != nil {
		return fmt.Errorf("vault encrypt session blob: %w", err)
	}
	row.UpdatedAt = time.Now()

	return s.db.WithContext(ctx).Save(&row).Error
}
