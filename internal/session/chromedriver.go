package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Form selectors and the list-row extractor for the webmail frontend.
const (
	loginUserSelector   = `input[name="user"]`
	loginPassSelector   = `input[name="pass"]`
	loginSubmitSelector = `form button[type="submit"]`

	// Runs in the page and returns the visible message rows. Dates come
	// back as ISO strings from the row's data attribute.
	listExtractorJS = `Array.from(document.querySelectorAll('#messagelist .message-row')).map(r => ({
		id: r.dataset.id || '',
		from: r.dataset.from || '',
		fromName: (r.querySelector('.from') || {}).textContent || '',
		subject: (r.querySelector('.subject') || {}).textContent || '',
		snippet: (r.querySelector('.snippet') || {}).textContent || '',
		receivedAt: r.dataset.date || ''
	}))`
)

// ChromeDriver drives a headless Chrome tab over the DevTools protocol.
type ChromeDriver struct {
	ctx     context.Context
	cancels []context.CancelFunc
}

// NewChromeDriver launches a headless browser tab. Satisfies
// DriverFactory.
func NewChromeDriver(parent context.Context) (Driver, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, chromedp.DefaultExecAllocatorOptions[:]...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so a broken install fails here, not on
	// the first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("launch headless browser: %w", err)
	}

	return &ChromeDriver{
		ctx:     tabCtx,
		cancels: []context.CancelFunc{cancelTab, cancelAlloc},
	}, nil
}

func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := d.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(d.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the document body.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Location returns the tab's current URL.
func (d *ChromeDriver) Location(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// SetCookies installs stored cookies into the browser.
func (d *ChromeDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}

// Cookies reads all cookies out of the browser.
func (d *ChromeDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

// SubmitLogin fills and submits the login form on the current page.
func (d *ChromeDriver) SubmitLogin(ctx context.Context, username, password string) error {
	return d.run(ctx,
		chromedp.WaitVisible(loginUserSelector, chromedp.ByQuery),
		chromedp.SendKeys(loginUserSelector, username, chromedp.ByQuery),
		chromedp.SendKeys(loginPassSelector, password, chromedp.ByQuery),
		chromedp.Click(loginSubmitSelector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

type listRow struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	FromName   string `json:"fromName"`
	Subject    string `json:"subject"`
	Snippet    string `json:"snippet"`
	ReceivedAt string `json:"receivedAt"`
}

// FetchListPage navigates to one page of the mailbox list and scrapes
// the visible rows.
func (d *ChromeDriver) FetchListPage(ctx context.Context, mailboxURL string, page int) ([]MailItem, error) {
	url := fmt.Sprintf("%s?page=%d", mailboxURL, page)
	var rows []listRow
	err := d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(listExtractorJS, &rows),
	)
	if err != nil {
		return nil, fmt.Errorf("scrape mailbox page %d: %w", page, err)
	}

	items := make([]MailItem, 0, len(rows))
	for _, r := range rows {
		item := MailItem{
			ExternalID: r.ID,
			From:       r.From,
			FromName:   r.FromName,
			Subject:    r.Subject,
			Snippet:    r.Snippet,
		}
		if r.ReceivedAt != "" {
			if t, err := time.Parse(time.RFC3339, r.ReceivedAt); err == nil {
				item.ReceivedAt = t
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Close tears down the tab and the browser process.
func (d *ChromeDriver) Close() error {
	for _, cancel := range d.cancels {
		cancel()
	}
	return nil
}
