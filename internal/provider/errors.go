package provider

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by adapters, the retry policy and the
// orchestrator. Everything except ErrAuthRevoked is handled inside the
// engine.
var (
	// ErrAuthExpired means the credential was rejected; a forced refresh
	// plus a single retry is the recovery path.
	ErrAuthExpired = errors.New("auth expired")

	// ErrAuthRevoked is terminal: sync is disabled for the account until
	// the user re-authenticates.
	ErrAuthRevoked = errors.New("auth revoked")

	// ErrUnresolvableIdentity marks an activity whose sender has neither
	// a usable email nor phone. Dropped, not treated as a failure.
	ErrUnresolvableIdentity = errors.New("unresolvable identity")
)

// RateLimitedError carries the provider's retry-after hint, zero when
// the provider gave none.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// UnavailableError is a transient provider-side failure (5xx or network).
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider unavailable: %v", e.Err)
	}
	return fmt.Sprintf("provider unavailable: status %d", e.Status)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedActivityError marks a single item that failed to parse. The
// item is skipped and logged; the page is not aborted.
type MalformedActivityError struct {
	ExternalID string
	Reason     string
}

func (e *MalformedActivityError) Error() string {
	return fmt.Sprintf("malformed activity %s: %s", e.ExternalID, e.Reason)
}
