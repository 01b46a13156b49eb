// Package reconcile turns normalized provider activity into canonical
// contacts, conversations and messages. All writes are idempotent and
// lean on storage uniqueness constraints, not prior-existence checks.
package reconcile

import (
	"strings"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
)

// Source tags that mark machine-generated outbound activity.
var automatedSources = map[string]bool{
	"workflow":   true,
	"campaign":   true,
	"system":     true,
	"bulk":       true,
	"automation": true,
}

// Markers that identify a quoted reply pasted into a manual compose.
var replyQuoteMarkers = []string{
	"wrote:",
	"gmail_quote",
	"yahoo_quoted",
	"-----original message-----",
}

// InferDirection decides whether an activity is inbound or outbound.
// The rules are ordered; the first that applies wins, so the result is
// deterministic for a fixed activity and contact.
func InferDirection(contact *models.Contact, act *provider.Activity) string {
	// The sender being the contact is stronger evidence than anything
	// the provider claims.
	if identityMatchesContact(contact, act) {
		return models.DirectionInbound
	}

	switch strings.ToLower(act.Direction) {
	case "inbound":
		return models.DirectionInbound
	case "outbound":
		return models.DirectionOutbound
	}

	// An internal actor on the activity means an agent sent it.
	if act.UserID != "" {
		return models.DirectionOutbound
	}

	if automatedSources[strings.ToLower(act.Source)] {
		return models.DirectionOutbound
	}

	// Manual compose from an interactive app: a quoted reply in the
	// body means the contact's mail got pasted back, so it is theirs.
	if strings.EqualFold(act.Source, "app") {
		body := strings.ToLower(act.Body)
		for _, marker := range replyQuoteMarkers {
			if strings.Contains(body, marker) {
				return models.DirectionInbound
			}
		}
		return models.DirectionOutbound
	}

	// Unknown activity surfaces as incoming rather than being silently
	// attributed to an agent.
	return models.DirectionInbound
}

func identityMatchesContact(contact *models.Contact, act *provider.Activity) bool {
	if contact == nil {
		return false
	}
	if email := normalizeEmail(act.Identity.Email); email != "" && email == normalizeEmail(contact.Email) {
		return true
	}
	if email := normalizeEmail(act.EmailFrom); email != "" && email == normalizeEmail(contact.Email) {
		return true
	}
	if phone := normalizePhone(act.Identity.Phone); phone != "" && phone == normalizePhone(contact.Phone) {
		return true
	}
	return false
}

// normalizeEmail lowercases and trims, and unwraps the address part of
// a "Display Name <addr>" header form.
func normalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if open := strings.LastIndex(email, "<"); open >= 0 {
		if close := strings.Index(email[open:], ">"); close > 0 {
			email = email[open+1 : open+close]
		}
	}
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePhone strips everything but digits so formatting variants
// of the same number compare equal.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
