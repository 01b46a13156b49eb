// Package session maintains logged-in webmail browser sessions. The
// pool hands out at most one session per account, replays stored
// cookies before falling back to a full login, and closes sessions
// that sit idle.
package session

import (
	"context"
	"time"
)

// Cookie is the persisted form of a browser cookie. Serialized as JSON
// into the credential's session blob.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"httpOnly"`
}

// MailItem is one row scraped from the webmail message list.
type MailItem struct {
	ExternalID string
	From       string
	FromName   string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
}

// Driver drives one headless browser tab. The chromedp implementation
// is the production driver; tests substitute a fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SubmitLogin(ctx context.Context, username, password string) error
	FetchListPage(ctx context.Context, mailboxURL string, page int) ([]MailItem, error)
	Close() error
}

// DriverFactory creates a fresh browser tab.
type DriverFactory func(ctx context.Context) (Driver, error)
