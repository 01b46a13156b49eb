package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/estiohq/syncd/internal/db/models"
	"github.com/estiohq/syncd/internal/provider"
	"github.com/estiohq/syncd/internal/util"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// How far in the future a provider timestamp may claim to be before the
// aggregate comparison clamps it to now.
const futureDateTolerance = 24 * time.Hour

// Result describes what one upsert did to the conversation. Consumed by
// the channel-update signal.
type Result struct {
	ConversationID string
	ContactID      string
	UnreadCount    int
	MessageCreated bool
	Deleted        bool
}

// Reconciler idempotently applies activity to the canonical store.
type Reconciler struct {
	db  *gorm.DB
	now func() time.Time
}

// NewReconciler creates a reconciler over db.
func NewReconciler(db *gorm.DB) *Reconciler {
	return &Reconciler{db: db, now: time.Now}
}

// WithClock overrides the time source (tests).
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// UpsertActivity applies one activity for a resolved contact: it
// find-or-creates the conversation, upserts the message keyed by its
// external id, and maintains the conversation aggregates. Safe to call
// concurrently and to repeat with identical input.
func (r *Reconciler) UpsertActivity(ctx context.Context, locationID string, contact *models.Contact, act *provider.Activity) (*Result, error) {
	if act.Removed {
		return r.deleteMessage(ctx, act.ExternalMessageID)
	}

	conv, err := r.findOrCreateConversation(ctx, locationID, contact.ID, act.ExternalConversationID)
	if err != nil {
		return nil, err
	}

	// Always run the full rule list: a sender matching the contact
	// overrides whatever direction the provider claims.
	direction := InferDirection(contact, act)

	created, err := r.upsertMessage(ctx, conv.ID, direction, act)
	if err != nil {
		return nil, err
	}

	if err := r.updateAggregates(ctx, conv, act, direction, created); err != nil {
		return nil, err
	}

	return &Result{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		UnreadCount:    conv.UnreadCount,
		MessageCreated: created,
	}, nil
}

// findOrCreateConversation inserts the conversation and lets the
// (location, contact) unique index arbitrate under concurrent callers;
// the authoritative row is re-read afterwards either way.
func (r *Reconciler) findOrCreateConversation(ctx context.Context, locationID, contactID, externalID string) (*models.Conversation, error) {
	if externalID == "" {
		// Channels without a conversation id still need a unique value.
		externalID = "local:" + uuid.NewString()
	}
	candidate := models.Conversation{
		ID:         uuid.NewString(),
		LocationID: locationID,
		ContactID:  contactID,
		ExternalID: externalID,
		Status:     "open",
	}
	// A bare DO NOTHING absorbs a conflict on either unique index: the
	// (location, contact) pair or a previously seen external id.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&candidate).Error
	if err != nil {
		return nil, fmt.Errorf("find-or-create conversation: %w", err)
	}

	var conv models.Conversation
	if err := r.db.WithContext(ctx).
		First(&conv, "location_id = ? AND contact_id = ?", locationID, contactID).Error; err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return &conv, nil
}

// upsertMessage creates the message on first sight; redelivery updates
// status and body only. Returns whether a new row was created.
func (r *Reconciler) upsertMessage(ctx context.Context, conversationID, direction string, act *provider.Activity) (bool, error) {
	msg := models.Message{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		ExternalMessageID: act.ExternalMessageID,
		Direction:         direction,
		Type:              act.Type,
		Status:            act.Status,
		Body:              act.Body,
		Subject:           act.Subject,
		EmailFrom:         act.EmailFrom,
		EmailTo:           act.EmailTo,
		UserID:            act.UserID,
		Source:            act.Source,
		CreatedAt:         act.CreatedAt,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_message_id"}},
		DoNothing: true,
	}).Create(&msg)
	if res.Error != nil {
		return false, fmt.Errorf("upsert message %s: %w", act.ExternalMessageID, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("💬 conversation %s: stored %s message %s: %s",
			conversationID, direction, act.ExternalMessageID, util.TruncateBody(act.Body))
		return true, nil
	}

	// Redelivery: mutable fields only. CreatedAt and Direction stay as
	// first recorded.
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("external_message_id = ?", act.ExternalMessageID).
		Updates(map[string]interface{}{
			"status": act.Status,
			"body":   act.Body,
		}).Error
	if err != nil {
		return false, fmt.Errorf("update redelivered message %s: %w", act.ExternalMessageID, err)
	}
	return false, nil
}

// updateAggregates applies newest-wins to the conversation summary and
// bumps unreadCount for newly seen inbound messages. conv is refreshed
// in place so the caller sees the final counts.
func (r *Reconciler) updateAggregates(ctx context.Context, conv *models.Conversation, act *provider.Activity, direction string, created bool) error {
	effective := act.CreatedAt
	if ahead := effective.Sub(r.now()); ahead > futureDateTolerance {
		// Providers occasionally report absurd future dates; clamping
		// keeps one bad item from pinning the conversation summary.
		log.Printf("⚠️ conversation %s: clamping future-dated message %s (%s ahead)",
			conv.ID, act.ExternalMessageID, ahead)
		effective = r.now()
	}

	updates := map[string]interface{}{}
	if effective.After(conv.LastMessageAt) {
		updates["last_message_body"] = act.Body
		updates["last_message_at"] = effective
		updates["last_message_type"] = act.Type
	}
	if created && direction == models.DirectionInbound {
		updates["unread_count"] = gorm.Expr("unread_count + 1")
	}
	if len(updates) > 0 {
		err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("update conversation %s aggregates: %w", conv.ID, err)
		}
	}

	return r.db.WithContext(ctx).First(conv, "id = ?", conv.ID).Error
}

// deleteMessage handles a removal marker: the message goes, the
// conversation and contact stay.
func (r *Reconciler) deleteMessage(ctx context.Context, externalMessageID string) (*Result, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).First(&msg, "external_message_id = ?", externalMessageID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			// Never seen it; nothing to delete.
			return &Result{Deleted: false}, nil
		}
		return nil, fmt.Errorf("lookup message %s: %w", externalMessageID, err)
	}

	if err := r.db.WithContext(ctx).Delete(&msg).Error; err != nil {
		return nil, fmt.Errorf("delete message %s: %w", externalMessageID, err)
	}
	log.Printf("🗑️ conversation %s: removed message %s", msg.ConversationID, externalMessageID)
	return &Result{ConversationID: msg.ConversationID, Deleted: true}, nil
}
