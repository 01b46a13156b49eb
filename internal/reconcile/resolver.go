package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Fewer digits than this is not a dialable number.
const minPhoneDigits = 7

// Resolver maps sender identities to canonical contacts, creating them
// just-in-time on first sighting.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a resolver over db.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// ResolveOrCreate finds the contact for identity within a location,
// matching by normalized email first, digits-only phone second, and
// creating a Lead when neither matches. An identity with no usable
// email or phone returns ErrUnresolvableIdentity; it is never attached
// to a placeholder contact.
//
// seenAt is the remote modification time of the sighting; a match is
// enriched with the identity's fields under last-write-wins, preferring
// remote on a timestamp tie.
func (r *Resolver) ResolveOrCreate(ctx context.Context, locationID string, identity provider.Identity, seenAt time.Time) (*models.Contact, error) {
	email := normalizeEmail(identity.Email)
	phone := normalizePhone(identity.Phone)
	if len(phone) < minPhoneDigits {
		// Too short to be a dialable number; matching on it would glue
		// unrelated contacts together.
		phone = ""
	}
	if email == "" && phone == "" {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnresolvableIdentity, identity.DisplayName)
	}

	var contact models.Contact
	err := gorm.ErrRecordNotFound
	if email != "" {
		err = r.db.WithContext(ctx).
			First(&contact, "location_id = ? AND email = ?", locationID, email).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) && phone != "" {
		err = r.db.WithContext(ctx).
			First(&contact, "location_id = ? AND phone = ?", locationID, phone).Error
	}

	switch {
	case err == nil:
		return r.enrich(ctx, &contact, identity, seenAt)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.create(ctx, locationID, identity, email, phone)
	default:
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
}

func (r *Resolver) create(ctx context.Context, locationID string, identity provider.Identity, email, phone string) (*models.Contact, error) {
	name := identity.DisplayName
	if name == "" {
		if email != "" {
			name = email
		} else {
			name = phone
		}
	}
	contact := models.Contact{
		ID:          uuid.NewString(),
		LocationID:  locationID,
		Name:        name,
		Email:       email,
		Phone:       phone,
		ContactType: "Lead",
	}
	if err := r.db.WithContext(ctx).Create(&contact).Error; err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	log.Printf("👤 location %s: created contact %s (%s)", locationID, contact.ID, name)
	return &contact, nil
}

// enrich applies newer remote identity data onto a matched contact.
// Remote wins on a timestamp tie.
func (r *Resolver) enrich(ctx context.Context, contact *models.Contact, identity provider.Identity, seenAt time.Time) (*models.Contact, error) {
	if seenAt.Before(contact.UpdatedAt) {
		return contact, nil
	}

	changed := false
	if identity.DisplayName != "" && identity.DisplayName != contact.Name {
		contact.Name = identity.DisplayName
		changed = true
	}
	if email := normalizeEmail(identity.Email); email != "" && contact.Email == "" {
		contact.Email = email
		changed = true
	}
	if phone := normalizePhone(identity.Phone); phone != "" && contact.Phone == "" {
		contact.Phone = phone
		changed = true
	}
	if !changed {
		return contact, nil
	}

	if err := r.db.WithContext(ctx).Save(contact).Error; err != nil {
		return nil, fmt.Errorf("update contact %s: %w", contact.ID, err)
	}
	return contact, nil
}
