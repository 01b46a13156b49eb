package provider

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func respWith(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseRetryDelay(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		body   string
		want   time.Duration
	}{
		{
			name:   "retry-after seconds",
			header: http.Header{"Retry-After": []string{"10"}},
			want:   10 * time.Second,
		},
		{
			name: "json retryDelay detail",
			body: `{"error":{"code":429,"details":[{"retryDelay":"3.5s"}]}}`,
			want: 3500 * time.Millisecond,
		},
		{
			name: "json metadata retryDelay",
			body: `{"error":{"details":[{"metadata":{"retryDelay":"2s"}}]}}`,
			want: 2 * time.Second,
		},
		{
			name: "no hint",
			body: `{"error":{"message":"slow down"}}`,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRetryDelay(respWith(429, tt.header, tt.body))
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClassifyResponse(t *testing.T) {
	if err := classifyResponse(respWith(401, nil, "")); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("401 should classify as auth expired, got %v", err)
	}

	err := classifyResponse(respWith(429, http.Header{"Retry-After": []string{"10"}}, ""))
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("429 should classify as rate limited, got %v", err)
	}
	if rl.RetryAfter != 10*time.Second {
		t.Fatalf("expected 10s hint, got %s", rl.RetryAfter)
	}

	err = classifyResponse(respWith(503, nil, ""))
	var ua *UnavailableError
	if !errors.As(err, &ua) || ua.Status != 503 {
		t.Fatalf("503 should classify as unavailable, got %v", err)
	}

	if err := classifyResponse(respWith(400, nil, "bad request")); err == nil ||
		errors.Is(err, ErrAuthExpired) {
		t.Fatalf("400 should be a plain error, got %v", err)
	}
}
