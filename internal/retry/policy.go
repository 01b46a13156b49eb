// Package retry wraps every provider and credential call with one
// shared recovery policy: forced refresh on auth expiry, hint-aware
// backoff on rate limits, bounded exponential backoff on provider
// errors, immediate propagation for everything else.
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/provider"
)

// Sleeper blocks for d or until ctx is done. Injectable for tests.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy applies the engine-wide retry configuration.
type Policy struct {
	cfg   config.RetryConfig
	sleep Sleeper

	// onUnauthorized performs a forced credential refresh; called at
	// most once per Do. A second auth failure afterwards is terminal
	// and onRevoked fires.
	onUnauthorized func(ctx context.Context) error
	onRevoked      func(ctx context.Context) error
}

// New creates a policy from the shared retry config.
func New(cfg config.RetryConfig) *Policy {
	return &Policy{cfg: cfg, sleep: defaultSleep}
}

// WithAuthHandlers wires the auth manager's forced-refresh and
// revocation hooks. Returns the policy for chaining.
func (p *Policy) WithAuthHandlers(onUnauthorized, onRevoked func(ctx context.Context) error) *Policy {
	p.onUnauthorized = onUnauthorized
	p.onRevoked = onRevoked
	return p
}

// WithSleeper overrides the sleep function (tests).
func (p *Policy) WithSleeper(s Sleeper) *Policy {
	p.sleep = s
	return p
}

// Do runs op, applying the classification rules. label is used for
// logging only.
func (p *Policy) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	refreshed := false
	backoffs := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, provider.ErrAuthExpired) {
			if refreshed {
				// Second 401 after a forced refresh: terminal.
				log.Printf("🔒 %s: unauthorized after forced refresh, marking revoked", label)
				if p.onRevoked != nil {
					if rerr := p.onRevoked(ctx); rerr != nil {
						log.Printf("⚠️ %s: revoke handling failed: %v", label, rerr)
					}
				}
				return provider.ErrAuthRevoked
			}
			if p.onUnauthorized == nil {
				return err
			}
			log.Printf("⚠️ %s: unauthorized, forcing credential refresh", label)
			if rerr := p.onUnauthorized(ctx); rerr != nil {
				return rerr
			}
			refreshed = true
			continue
		}

		var rl *provider.RateLimitedError
		if errors.As(err, &rl) {
			if backoffs >= p.cfg.MaxRetries {
				return err
			}
			delay := rl.RetryAfter
			if delay <= 0 {
				delay = p.backoff(backoffs)
			}
			log.Printf("⏳ %s: rate limited, waiting %s (attempt %d/%d)", label, delay, backoffs+1, p.cfg.MaxRetries)
			if serr := p.sleep(ctx, delay); serr != nil {
				return serr
			}
			backoffs++
			continue
		}

		var ua *provider.UnavailableError
		if errors.As(err, &ua) {
			if backoffs >= p.cfg.MaxRetries {
				return err
			}
			delay := p.backoff(backoffs)
			log.Printf("⏳ %s: provider unavailable (%v), retrying in %s (attempt %d/%d)", label, err, delay, backoffs+1, p.cfg.MaxRetries)
			if serr := p.sleep(ctx, delay); serr != nil {
				return serr
			}
			backoffs++
			continue
		}

		// Anything else: no retry, caller leaves the cursor unadvanced.
		return err
	}
}

func (p *Policy) backoff(attempt int) time.Duration {
	d := p.cfg.BaseDelay << attempt
	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}
