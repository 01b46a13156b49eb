// Package provider defines the adapter contract the orchestrator syncs
// through, plus the three backend variants: pipeline listing, mail
// delta query, and webmail browser session.
package provider

import (
	"context"
	"time"
)

// Channel names, one cursor per (account, channel).
const (
	ChannelConversations = "conversations"
	ChannelMailInbox     = "mail:inbox"
	ChannelMailSent      = "mail:sentitems"
	ChannelWebmail       = "webmail"
)

// Identity is the sender identity attached to an activity, as far as
// the backend exposes it.
type Identity struct {
	Email       string
	Phone       string
	DisplayName string
}

// Activity is one normalized message-level event from any backend.
type Activity struct {
	ExternalMessageID      string
	ExternalConversationID string
	Identity               Identity
	Direction              string // provider-stated, empty when unknown
	Type                   string
	Status                 string
	Body                   string
	Subject                string
	EmailFrom              string
	EmailTo                string
	UserID                 string // internal actor id, set on agent-sent items
	Source                 string // workflow, campaign, app, ...
	CreatedAt              time.Time
	Removed                bool // deletion marker from delta feeds
}

// Page is one fetch result. NextCursor is opaque to the caller; it is
// only persisted after every item in the page has been applied.
type Page struct {
	Items      []Activity
	NextCursor string
	IsFinal    bool
}

// Adapter fetches activity incrementally from one backend. Variants are
// selected once per account by credential kind; callers never branch on
// the concrete type.
type Adapter interface {
	// Channel names the cursor namespace this adapter syncs.
	Channel() string

	// FetchActivitySince returns the next page after cursor. An empty
	// cursor means a full initial sync. IsFinal signals that the caller
	// should stop looping for this run.
	FetchActivitySince(ctx context.Context, cursor string) (*Page, error)
}
