package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is one synced activity. ExternalMessageID is globally unique;
// redelivery updates Status/Body only, CreatedAt and Direction are
// immutable once set.
type Message struct {
	ID                string `gorm:"primaryKey"` // UUID
	ConversationID    string `gorm:"index"`
	ExternalMessageID string `gorm:"uniqueIndex"`
	Direction         string // inbound | outbound
	Type              string // TYPE_SMS, TYPE_EMAIL, ...
	Status            string
	Body              string `gorm:"type:text"`
	Subject           string
	EmailFrom         string
	EmailTo           string
	UserID            string // internal actor id when an agent sent it
	Source            string // workflow, campaign, app, ...
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
