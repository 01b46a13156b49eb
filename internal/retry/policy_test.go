package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/estiohq/syncd/internal/config"
	"github.com/estiohq/syncd/internal/provider"
)

func testPolicy(slept *[]time.Duration) *Policy {
	p := New(config.RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	p.WithSleeper(func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	})
	return p
}

func TestRateLimitedHonorsHintAndBudget(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return &provider.RateLimitedError{RetryAfter: 10 * time.Second}
	})

	var rl *provider.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limited error after budget, got %v", err)
	}
	if attempts != 4 { // initial + 3 retries
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if len(slept) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(slept))
	}
	for _, d := range slept {
		if d < 10*time.Second {
			t.Fatalf("wait %s shorter than provider hint", d)
		}
	}
}

func TestRateLimitedFallsBackToExponentialBackoff(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	_ = p.Do(context.Background(), "test", func(ctx context.Context) error {
		return &provider.RateLimitedError{}
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d waits, got %d", len(want), len(slept))
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], slept[i])
		}
	}
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &provider.UnavailableError{Status: 502}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestUnauthorizedRefreshesOnceThenRevokes(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	refreshes, revokes := 0, 0
	p.WithAuthHandlers(
		func(ctx context.Context) error { refreshes++; return nil },
		func(ctx context.Context) error { revokes++; return nil },
	)

	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		return provider.ErrAuthExpired
	})
	if !errors.Is(err, provider.ErrAuthRevoked) {
		t.Fatalf("expected auth revoked, got %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", refreshes)
	}
	if revokes != 1 {
		t.Fatalf("expected exactly one revoke, got %d", revokes)
	}
}

func TestUnauthorizedRecoversAfterRefresh(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	p.WithAuthHandlers(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { t.Fatal("revoke should not fire"); return nil },
	)

	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return provider.ErrAuthExpired
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected single retry after refresh, got %d attempts", attempts)
	}
}

func TestOtherErrorsPropagateImmediately(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	boom := errors.New("boom")
	attempts := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 || len(slept) != 0 {
		t.Fatalf("expected no retries, got %d attempts %d waits", attempts, len(slept))
	}
}

func TestSleepRespectsContext(t *testing.T) {
	p := New(config.RetryConfig{MaxRetries: 3, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, "test", func(ctx context.Context) error {
		return &provider.RateLimitedError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
