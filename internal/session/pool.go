package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/vault"
)

// Session is one account's logged-in browser tab, held exclusively by
// the caller between Acquire and Release.
type Session struct {
	accountID   string
	driver      Driver
	validatedAt time.Time
	lastUsed    time.Time

	mu sync.Mutex
}

// FetchListPage scrapes one page of the mailbox message list.
func (s *Session) FetchListPage(ctx context.Context, mailboxURL string, page int) ([]MailItem, error) {
	return s.driver.FetchListPage(ctx, mailboxURL, page)
}

// Pool caches logged-in sessions per account. A session validated
// within the configured TTL is reused without touching the browser; an
// invalid one is recovered by cookie replay first, full login second.
type Pool struct {
	cfg       config.SessionConfig
	validity  time.Duration // absolute wall-clock session lifetime
	vault     vault.Vault
	newDriver DriverFactory
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool creates the pool and starts the idle reaper.
func NewPool(cfg config.SessionConfig, validity time.Duration, v vault.Vault, factory DriverFactory) *Pool {
	p := &Pool{
		cfg:       cfg,
		validity:  validity,
		vault:     v,
		newDriver: factory,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		stop:      make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// WithClock overrides the time source (tests).
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Acquire returns a validated session for the account, logging in if
// needed. The session is exclusively held until Release.
func (p *Pool) Acquire(ctx context.Context, account *models.Account) (*Session, error) {
	p.mu.Lock()
	s, ok := p.sessions[account.ID]
	if !ok {
		s = &Session{accountID: account.ID}
		p.sessions[account.ID] = s
	}
	p.mu.Unlock()

	s.mu.Lock()

	now := p.now()
	if s.driver != nil && now.Sub(s.validatedAt) < p.cfg.ValidatedTTL {
		s.lastUsed = now
		return s, nil
	}

	if err := p.validate(ctx, s, account); err != nil {
		s.closeLocked()
		s.mu.Unlock()
		return nil, err
	}

	s.validatedAt = p.now()
	s.lastUsed = s.validatedAt
	return s, nil
}

// Release returns the session to the pool.
func (p *Pool) Release(s *Session) {
	s.lastUsed = p.now()
	s.mu.Unlock()
}

// validate makes sure s holds a logged-in driver. Caller holds s.mu.
func (p *Pool) validate(ctx context.Context, s *Session, account *models.Account) error {
	if s.driver == nil {
		d, err := p.newDriver(ctx)
		if err != nil {
			return fmt.Errorf("start browser for %s: %w", account.ID, err)
		}
		s.driver = d
	}

	loggedIn, err := p.probeMailbox(ctx, s.driver)
	if err != nil {
		return err
	}
	if loggedIn {
		return nil
	}

	cred, err := p.vault.Get(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("load webmail credential for %s: %w", account.ID, err)
	}

	if p.replayable(cred) {
		if ok, rerr := p.replayCookies(ctx, s.driver, cred); rerr != nil {
			return rerr
		} else if ok {
			log.Printf("🍪 account %s: webmail session restored from stored cookies", account.ID)
			return nil
		}
		log.Printf("🍪 account %s: stored cookies rejected, falling back to login", account.ID)
	}

	return p.login(ctx, s.driver, account, cred)
}

// probeMailbox navigates to the mailbox and reports whether we landed
// there or got redirected to the login page.
func (p *Pool) probeMailbox(ctx context.Context, d Driver) (bool, error) {
	if err := d.Navigate(ctx, p.cfg.MailboxURL); err != nil {
		return false, fmt.Errorf("navigate mailbox: %w", err)
	}
	loc, err := d.Location(ctx)
	if err != nil {
		return false, fmt.Errorf("read location: %w", err)
	}
	return !isLoginPage(loc), nil
}

func (p *Pool) replayable(cred *models.Credential) bool {
	return cred.SessionBlob != "" && p.now().Before(cred.SessionExpiresAt)
}

func (p *Pool) replayCookies(ctx context.Context, d Driver, cred *models.Credential) (bool, error) {
	var cookies []Cookie
	if err := json.Unmarshal([]byte(cred.SessionBlob), &cookies); err != nil {
		// Corrupt blob: treat as absent and go through the login path.
		log.Printf("⚠️ account %s: discarding unreadable session blob: %v", cred.AccountID, err)
		return false, nil
	}
	if err := d.SetCookies(ctx, cookies); err != nil {
		return false, fmt.Errorf("replay cookies: %w", err)
	}
	return p.probeMailbox(ctx, d)
}

// login performs a full credentialed login and persists the resulting
// cookies with a fresh absolute expiry.
func (p *Pool) login(ctx context.Context, d Driver, account *models.Account, cred *models.Credential) error {
	if err := d.Navigate(ctx, p.cfg.LoginURL); err != nil {
		return fmt.Errorf("navigate login page: %w", err)
	}
	if err := d.SubmitLogin(ctx, account.Email, cred.AccessToken); err != nil {
		return fmt.Errorf("submit login for %s: %w", account.ID, err)
	}

	loggedIn, err := p.probeMailbox(ctx, d)
	if err != nil {
		return err
	}
	if !loggedIn {
		return fmt.Errorf("webmail login rejected for %s", account.ID)
	}

	cookies, err := d.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies after login: %w", err)
	}
	blob, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("serialize cookies: %w", err)
	}
	cred.SessionBlob = string(blob)
	cred.SessionExpiresAt = p.now().Add(p.validity)
	if err := p.vault.Put(ctx, cred); err != nil {
		return fmt.Errorf("persist session for %s: %w", account.ID, err)
	}

	log.Printf("✅ account %s: webmail login succeeded, session valid until %s",
		account.ID, cred.SessionExpiresAt.Format(time.RFC3339))
	return nil
}

func (s *Session) closeLocked() {
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			log.Printf("⚠️ account %s: closing browser session: %v", s.accountID, err)
		}
		s.driver = nil
	}
}

func (p *Pool) reapLoop() {
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle(p.now())
		}
	}
}

// reapIdle closes sessions whose last use is older than the idle
// timeout. Held sessions are skipped.
func (p *Pool) reapIdle(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.driver != nil && now.Sub(s.lastUsed) >= p.cfg.IdleTimeout {
			log.Printf("💤 account %s: closing idle webmail session", id)
			s.closeLocked()
			delete(p.sessions, id)
		}
		s.mu.Unlock()
	}
}

// Close stops the reaper and closes every cached session.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(p.sessions, id)
	}
}

func isLoginPage(location string) bool {
	return strings.Contains(strings.ToLower(location), "login")
}
