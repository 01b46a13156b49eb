package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
	"github.com/estiohq/syncd/internal/vault"
	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

func newTestAuthDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Credential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Every pooled connection to :memory: is its own database; pin the
	// pool so concurrent tests see one store.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		RefreshBuffer:   60 * time.Second,
		SessionValidity: 7 * 24 * time.Hour,
	}
}

func seedCredential(t *testing.T, v vault.Vault, cred *models.Credential) {
	t.Helper()
	if err := v.Put(context.Background(), cred); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestGetValidCredentialSkipsRefreshWhenFresh(t *testing.T) {
	db := newTestAuthDB(t)
	v := vault.NewStore(db, nil)
	seedCredential(t, v, &models.Credential{
		AccountID:   "acc-1",
		Kind:        models.CredentialOAuth,
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	m := NewManager(db, v, testAuthConfig()).WithRefreshFunc(
		func(ctx context.Context, rt string) (*oauth2.Token, error) {
			t.Fatal("refresh should not be called")
			return nil, nil
		})

	cred, err := m.GetValidCredential(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.AccessToken != "tok" {
		t.Fatalf("unexpected token %q", cred.AccessToken)
	}
}

func TestConcurrentCallersTriggerSingleRefresh(t *testing.T) {
	db := newTestAuthDB(t)
	v := vault.NewStore(db, nil)
	seedCredential(t, v, &models.Credential{
		AccountID:    "acc-1",
		Kind:         models.CredentialOAuth,
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the 60s buffer
	})

	var refreshes int32
	m := NewManager(db, v, testAuthConfig()).WithRefreshFunc(
		func(ctx context.Context, rt string) (*oauth2.Token, error) {
			atomic.AddInt32(&refreshes, 1)
			time.Sleep(20 * time.Millisecond) // widen the race window
			return &oauth2.Token{
				AccessToken: "fresh",
				Expiry:      time.Now().Add(time.Hour),
			}, nil
		})

	var wg sync.WaitGroup
	tokens := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.GetValidCredential(context.Background(), "acc-1")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = cred.AccessToken
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Fatalf("expected exactly one network refresh, got %d", got)
	}
	for i, tok := range tokens {
		if tok != "fresh" {
			t.Fatalf("caller %d got stale token %q", i, tok)
		}
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	db := newTestAuthDB(t)
	v := vault.NewStore(db, nil)
	seedCredential(t, v, &models.Credential{
		AccountID:    "acc-1",
		Kind:         models.CredentialOAuth,
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	m := NewManager(db, v, testAuthConfig()).WithRefreshFunc(
		func(ctx context.Context, rt string) (*oauth2.Token, error) {
			if rt != "rt-old" {
				t.Fatalf("refresh called with %q", rt)
			}
			return &oauth2.Token{
				AccessToken:  "fresh",
				RefreshToken: "rt-new",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		})

	if _, err := m.GetValidCredential(context.Background(), "acc-1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	stored, err := v.Get(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	if stored.RefreshToken != "rt-new" {
		t.Fatalf("rotated refresh token not persisted, got %q", stored.RefreshToken)
	}
}

func TestPermanentRefreshErrorRevokesAccount(t *testing.T) {
	db := newTestAuthDB(t)
	if err := db.Create(&models.Account{ID: "acc-1", IsActive: true}).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	v := vault.NewStore(db, nil)
	seedCredential(t, v, &models.Credential{
		AccountID:    "acc-1",
		Kind:         models.CredentialOAuth,
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	m := NewManager(db, v, testAuthConfig()).WithRefreshFunc(
		func(ctx context.Context, rt string) (*oauth2.Token, error) {
			return nil, errors.New(`oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`)
		})

	_, err := m.GetValidCredential(context.Background(), "acc-1")
	if !errors.Is(err, provider.ErrAuthRevoked) {
		t.Fatalf("expected auth revoked, got %v", err)
	}

	var acc models.Account
	if err := db.First(&acc, "id = ?", "acc-1").Error; err != nil {
		t.Fatalf("read account: %v", err)
	}
	if acc.IsActive || !acc.NeedsReauth {
		t.Fatalf("account not disabled: active=%v reauth=%v", acc.IsActive, acc.NeedsReauth)
	}
}

func TestTransientRefreshErrorKeepsAccountActive(t *testing.T) {
	db := newTestAuthDB(t)
	if err := db.Create(&models.Account{ID: "acc-1", IsActive: true}).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	v := vault.NewStore(db, nil)
	seedCredential(t, v, &models.Credential{
		AccountID:    "acc-1",
		Kind:         models.CredentialOAuth,
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	m := NewManager(db, v, testAuthConfig()).WithRefreshFunc(
		func(ctx context.Context, rt string) (*oauth2.Token, error) {
			return nil, errors.New("context deadline exceeded")
		})

	_, err := m.GetValidCredential(context.Background(), "acc-1")
	if err == nil || errors.Is(err, provider.ErrAuthRevoked) {
		t.Fatalf("expected transient error, got %v", err)
	}

	var acc models.Account
	if err := db.First(&acc, "id = ?", "acc-1").Error; err != nil {
		t.Fatalf("read account: %v", err)
	}
	if !acc.IsActive {
		t.Fatal("transient failure must not disable the account")
	}
}

func TestSessionReplayable(t *testing.T) {
	m := NewManager(newTestAuthDB(t), vault.NewStore(newTestAuthDB(t), nil), testAuthConfig())

	tests := []struct {
		name string
		cred models.Credential
		want bool
	}{
		{
			name: "valid session",
			cred: models.Credential{Kind: models.CredentialBrowser, SessionBlob: "[]", SessionExpiresAt: time.Now().Add(time.Hour)},
			want: true,
		},
		{
			name: "past absolute expiry",
			cred: models.Credential{Kind: models.CredentialBrowser, SessionBlob: "[]", SessionExpiresAt: time.Now().Add(-time.Hour)},
			want: false,
		},
		{
			name: "no blob",
			cred: models.Credential{Kind: models.CredentialBrowser, SessionExpiresAt: time.Now().Add(time.Hour)},
			want: false,
		},
		{
			name: "oauth credential",
			cred: models.Credential{Kind: models.CredentialOAuth, SessionBlob: "[]"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.SessionReplayable(&tt.cred); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: `oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`, permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(errors.New(tt.errText))
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

func TestDeactivatedAccountStoresInactive(t *testing.T) {
	db := newTestAuthDB(t)
	if err := db.Create(&models.Account{ID: "acc-1", IsActive: false, NeedsReauth: true}).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	var got models.Account
	if err := db.First(&got, "id = ?", "acc-1").Error; err != nil {
		t.Fatalf("read account: %v", err)
	}
	if got.IsActive {
		t.Fatal("IsActive=false was flipped to true on insert")
	}
	if !got.NeedsReauth {
		t.Fatal("NeedsReauth=true was not persisted")
	}
}
