// Package logging provides run ID context propagation so log lines from
// concurrent sync runs can be correlated.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

type contextKey string

const runIDKey contextKey = "runId"

// GenerateRunID creates an 8-character hex run ID.
func GenerateRunID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRunID injects a run ID into the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
// Returns empty string if not found.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// PairLabel formats the log prefix for one (account, channel) unit of
// work, carrying the run ID when the context has one. Every log line of
// a sync pair starts with this so concurrent runs stay greppable.
func PairLabel(ctx context.Context, accountID, channel string) string {
	if id := GetRunID(ctx); id != "" {
		return fmt.Sprintf("[%s] %s/%s", id, accountID, channel)
	}
	return accountID + "/" + channel
}
