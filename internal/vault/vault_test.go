package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type reverseCipher struct{}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func (reverseCipher) Encrypt(s string) (string, error) { return reverse(s), nil }
func (reverseCipher) Decrypt(s string) (string, error) { return reverse(s), nil }

func newTestVaultDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Credential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := newTestVaultDB(t)
	v := NewStore(db, reverseCipher{})
	ctx := context.Background()

	cred := &models.Credential{
		AccountID:    "acc-1",
		Kind:         models.CredentialOAuth,
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := v.Put(ctx, cred); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Secrets must not hit the row in plaintext.
	var raw models.Credential
	if err := db.First(&raw, "account_id = ?", "acc-1").Error; err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if raw.AccessToken == "access-123" {
		t.Fatal("access token stored in plaintext")
	}
	if !strings.Contains(raw.AccessToken, "321") {
		t.Fatalf("unexpected ciphertext: %q", raw.AccessToken)
	}

	got, err := v.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "access-123" || got.RefreshToken != "refresh-456" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	v := NewStore(newTestVaultDB(t), nil)
	_, err := v.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
