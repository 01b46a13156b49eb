package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Mail folders the delta adapter can walk.
const (
	FolderInbox = "inbox"
	FolderSent  = "sentitems"
)

// MailDeltaAdapter syncs one mail folder through a true server-side
// delta query. The cursor is the provider's own delta link; a fresh
// delta link is only handed out once the page chain has been walked to
// its end, so an interrupted run resumes from the previous link.
type MailDeltaAdapter struct {
	baseURL  string
	folder   string
	pageSize int
	token    TokenSource
	client   *http.Client

	// In-flight nextLink. Walk state only; it never becomes the cursor.
	next string
}

// NewMailDeltaAdapter creates an adapter for one folder.
func NewMailDeltaAdapter(baseURL, folder string, pageSize int, token TokenSource) *MailDeltaAdapter {
	return &MailDeltaAdapter{
		baseURL:  baseURL,
		folder:   folder,
		pageSize: pageSize,
		token:    token,
		client:   newHTTPClient(),
	}
}

// Channel implements Adapter.
func (a *MailDeltaAdapter) Channel() string { return "mail:" + a.folder }

type mailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type mailItem struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
	Subject          string        `json:"subject"`
	BodyPreview      string        `json:"bodyPreview"`
	From             *mailAddress  `json:"from"`
	ToRecipients     []mailAddress `json:"toRecipients"`
	ConversationID   string        `json:"conversationId"`
	ReceivedDateTime string        `json:"receivedDateTime"`
}

type mailDeltaPage struct {
	Value     []mailItem `json:"value"`
	NextLink  string     `json:"@odata.nextLink"`
	DeltaLink string     `json:"@odata.deltaLink"`
}

// FetchActivitySince implements Adapter. An empty cursor starts a full
// enumeration; otherwise cursor is the delta link that ended the
// previous completed walk. Intermediate next links stay inside the
// adapter, so an interrupted walk resumes from the previous delta link.
func (a *MailDeltaAdapter) FetchActivitySince(ctx context.Context, cursor string) (*Page, error) {
	endpoint := a.next
	if endpoint == "" {
		endpoint = cursor
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/mailFolders/%s/messages/delta?$top=%s",
			a.baseURL, a.folder, strconv.Itoa(a.pageSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build delta request: %w", err)
	}
	tok, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}
	defer resp.Body.Close()

	var body mailDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode delta page: %w", err)
	}

	page := &Page{}
	for _, raw := range body.Value {
		act, err := a.normalize(raw)
		if err != nil {
			log.Printf("⚠️ mail %s: skipping item: %v", a.folder, err)
			continue
		}
		page.Items = append(page.Items, *act)
	}

	switch {
	case body.NextLink != "":
		a.next = body.NextLink
		page.NextCursor = cursor
	case body.DeltaLink != "":
		a.next = ""
		page.NextCursor = body.DeltaLink
		page.IsFinal = true
	default:
		return nil, fmt.Errorf("delta page for %s carries neither next nor delta link", a.folder)
	}
	return page, nil
}

func (a *MailDeltaAdapter) normalize(raw mailItem) (*Activity, error) {
	if raw.ID == "" {
		return nil, &MalformedActivityError{Reason: "missing id"}
	}

	// Deletion marker: only the id is meaningful.
	if raw.Removed != nil {
		return &Activity{ExternalMessageID: raw.ID, Removed: true}, nil
	}

	act := &Activity{
		ExternalMessageID:      raw.ID,
		ExternalConversationID: raw.ConversationID,
		Type:                   "email",
		Status:                 "delivered",
		Body:                   raw.BodyPreview,
		Subject:                raw.Subject,
	}

	// The folder states the direction: inbox items were received, sent
	// items were authored here.
	if a.folder == FolderSent {
		act.Direction = "outbound"
		if len(raw.ToRecipients) > 0 {
			act.Identity = Identity{
				Email:       raw.ToRecipients[0].EmailAddress.Address,
				DisplayName: raw.ToRecipients[0].EmailAddress.Name,
			}
			act.EmailTo = raw.ToRecipients[0].EmailAddress.Address
		}
	} else {
		act.Direction = "inbound"
		if raw.From != nil {
			act.Identity = Identity{
				Email:       raw.From.EmailAddress.Address,
				DisplayName: raw.From.EmailAddress.Name,
			}
			act.EmailFrom = raw.From.EmailAddress.Address
		}
	}

	if raw.ReceivedDateTime != "" {
		t, err := time.Parse(time.RFC3339, raw.ReceivedDateTime)
		if err != nil {
			return nil, &MalformedActivityError{ExternalID: raw.ID, Reason: "bad receivedDateTime " + raw.ReceivedDateTime}
		}
		act.CreatedAt = t
	}
	return act, nil
}
