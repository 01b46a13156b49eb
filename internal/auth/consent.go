package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Consent runs the OAuth consent flow that onboards API-backed
// accounts: login redirects to the provider's consent page, the
// callback exchanges the code and stores the credential through the
// vault. Webmail accounts are onboarded out of band since they carry a
// password, not a grant.
type Consent struct {
	mgr   *Manager
	state string
}

// NewConsent creates the flow. The CSRF nonce lives for the process.
func NewConsent(mgr *Manager) *Consent {
	b := make([]byte, 16)
	rand.Read(b)
	return &Consent{mgr: mgr, state: hex.EncodeToString(b)}
}

type consentClaims struct {
	Provider   string `json:"provider"`
	LocationID string `json:"locationId"`
	Email      string `json:"email"`
}

func (c *Consent) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.mgr.cfg.ClientID,
		ClientSecret: c.mgr.cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.mgr.cfg.AuthURL,
			TokenURL: c.mgr.cfg.TokenURL,
		},
	}
}

// callbackURL reconstructs our externally visible callback endpoint
// from the incoming request.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/callback", scheme, r.Host)
}

// LoginHandler kicks off consent for one account. provider, location
// and email arrive as query parameters and ride along in the state.
func (c *Consent) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := consentClaims{
			Provider:   r.URL.Query().Get("provider"),
			LocationID: r.URL.Query().Get("location"),
			Email:      r.URL.Query().Get("email"),
		}
		if claims.Provider != models.ProviderPipeline && claims.Provider != models.ProviderMailDelta {
			http.Error(w, "provider must be pipeline or maildelta", http.StatusBadRequest)
			return
		}
		if claims.LocationID == "" || claims.Email == "" {
			http.Error(w, "location and email are required", http.StatusBadRequest)
			return
		}

		payload, err := json.Marshal(claims)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		state := c.state + "." + base64.RawURLEncoding.EncodeToString(payload)

		url := c.oauthConfig(callbackURL(r)).AuthCodeURL(state,
			oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

// CallbackHandler exchanges the authorization code and persists the
// account and its credential. Re-consent for an existing account keeps
// its id and clears the revoked state.
func (c *Consent) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := c.verifyState(r.URL.Query().Get("state"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		code := r.URL.Query().Get("code")
		token, err := c.oauthConfig(callbackURL(r)).Exchange(r.Context(), code)
		if err != nil {
			http.Error(w, fmt.Sprintf("token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		accountID, err := c.saveAccount(r, claims, token)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to save account: %v", err), http.StatusInternalServerError)
			return
		}

		log.Printf("✅ account %s: consent granted (%s, %s)", accountID, claims.Email, claims.Provider)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":     "ok",
			"account_id": accountID,
			"email":      claims.Email,
			"provider":   claims.Provider,
		})
	}
}

func (c *Consent) verifyState(state string) (*consentClaims, error) {
	nonce, payload, ok := strings.Cut(state, ".")
	if !ok || nonce != c.state {
		return nil, errors.New("invalid state token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.New("invalid state payload")
	}
	var claims consentClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, errors.New("invalid state payload")
	}
	return &claims, nil
}

func (c *Consent) saveAccount(r *http.Request, claims *consentClaims, token *oauth2.Token) (string, error) {
	ctx := r.Context()

	// Preserve the id on re-consent so cursors and conversations stay
	// attached.
	var existing models.Account
	accountID := uuid.NewString()
	err := c.mgr.db.WithContext(ctx).
		First(&existing, "email = ? AND provider = ?", claims.Email, claims.Provider).Error
	if err == nil {
		accountID = existing.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	account := models.Account{
		ID:          accountID,
		LocationID:  claims.LocationID,
		Email:       claims.Email,
		Provider:    claims.Provider,
		IsActive:    true,
		NeedsReauth: false,
		UpdatedAt:   time.Now(),
	}
	if err := c.mgr.db.WithContext(ctx).Save(&account).Error; err != nil {
		return "", err
	}

	cred := models.Credential{
		AccountID:    accountID,
		Kind:         models.CredentialOAuth,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if err := c.mgr.vault.Put(ctx, &cred); err != nil {
		return "", err
	}
	return accountID, nil
}
