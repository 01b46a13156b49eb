package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const requestTimeout = 60 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// classifyResponse maps a non-2xx provider response to the error
// taxonomy. The body is consumed for rate-limit hints and closed.
func classifyResponse(resp *http.Response) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: ParseRetryDelay(resp)}
	case resp.StatusCode >= 500:
		return &UnavailableError{Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// retryInfo is the structured error body some providers attach to 429s.
type retryInfo struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay attempts to extract a retry duration from a 429
// response. It checks the standard Retry-After header first, then tries
// to parse the JSON body. Returns 0 if no retry information is found.
// NOTE: This consumes and restores the response body if it needs to read it.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		// Try seconds
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		// Try HTTP date
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if resp.Body == nil {
		return 0
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	// Restore body immediately for safety
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	var info retryInfo
	if err := json.Unmarshal(bodyBytes, &info); err != nil {
		return 0
	}

	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if detail.Metadata != nil {
			if delay, ok := detail.Metadata["retryDelay"]; ok {
				if d, err := time.ParseDuration(delay); err == nil {
					return d
				}
			}
		}
	}

	return 0
}
