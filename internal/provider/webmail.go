package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/session"
)

// Mailbox is one page-fetching view onto a webmail account. The pooled
// implementation acquires a browser session per call; tests fake it.
type Mailbox interface {
	FetchPage(ctx context.Context, page int) ([]session.MailItem, error)
}

// PooledMailbox reads list pages through the shared browser session
// pool, holding the session only for the duration of one page.
type PooledMailbox struct {
	Pool       *session.Pool
	Account    *models.Account
	MailboxURL string
}

func (m *PooledMailbox) FetchPage(ctx context.Context, page int) ([]session.MailItem, error) {
	s, err := m.Pool.Acquire(ctx, m.Account)
	if err != nil {
		return nil, err
	}
	defer m.Pool.Release(s)
	return s.FetchListPage(ctx, m.MailboxURL, page)
}

// WebmailAdapter is the fallback for accounts with no API access. The
// mailbox list has no delta at all, so the cursor is the last synced
// timestamp skewed back by a safety window, and paging stops once a run
// of consecutive items falls behind the cutoff.
type WebmailAdapter struct {
	mailbox      Mailbox
	lookbackSkew time.Duration
	staleStop    int

	page           int
	consecutiveOld int
	newest         time.Time
}

// NewWebmailAdapter creates an adapter over mailbox. staleStop is the
// number of consecutive older-than-cutoff items that ends the run.
func NewWebmailAdapter(mailbox Mailbox, lookbackSkew time.Duration, staleStop int) *WebmailAdapter {
	return &WebmailAdapter{
		mailbox:      mailbox,
		lookbackSkew: lookbackSkew,
		staleStop:    staleStop,
	}
}

// Channel implements Adapter.
func (a *WebmailAdapter) Channel() string { return ChannelWebmail }

// FetchActivitySince implements Adapter. cursor is the RFC 3339
// timestamp of the newest item a previous completed run has seen.
func (a *WebmailAdapter) FetchActivitySince(ctx context.Context, cursor string) (*Page, error) {
	lastSynced, err := parseTimeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if a.page == 0 {
		a.newest = lastSynced
	}

	// Skewed cutoff tolerates timezone drift and out-of-order delivery;
	// items inside the window are redelivered and absorbed downstream.
	var cutoff time.Time
	if !lastSynced.IsZero() {
		cutoff = lastSynced.Add(-a.lookbackSkew)
	}

	a.page++
	items, err := a.mailbox.FetchPage(ctx, a.page)
	if err != nil {
		return nil, fmt.Errorf("webmail page %d: %w", a.page, err)
	}

	page := &Page{}
	for _, item := range items {
		if !cutoff.IsZero() && item.ReceivedAt.Before(cutoff) {
			a.consecutiveOld++
			if a.consecutiveOld >= a.staleStop {
				page.IsFinal = true
				break
			}
			continue
		}
		a.consecutiveOld = 0

		if item.ReceivedAt.After(a.newest) {
			a.newest = item.ReceivedAt
		}
		page.Items = append(page.Items, Activity{
			ExternalMessageID: item.ExternalID,
			Identity: Identity{
				Email:       item.From,
				DisplayName: item.FromName,
			},
			Type:      "email",
			Status:    "delivered",
			Body:      item.Snippet,
			Subject:   item.Subject,
			EmailFrom: item.From,
			CreatedAt: item.ReceivedAt,
		})
	}

	if len(items) == 0 {
		page.IsFinal = true
	}
	if !a.newest.IsZero() {
		page.NextCursor = a.newest.Format(time.RFC3339Nano)
	} else {
		page.NextCursor = cursor
	}
	return page, nil
}
