package models

import "time"

// Conversation is one counterpart of a business number, keyed by the
// counterpart's platform id (wa_id).
type Conversation struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	BusinessNumber string    `gorm:"size:16;not null;uniqueIndex:idx_conversation_party"`
	WaID           string    `gorm:"size:32;not null;uniqueIndex:idx_conversation_party"`
	Alert          bool      `gorm:"default:false"`
	ResponseMode   string    `gorm:"size:8;not null;default:auto"` // "auto" or "manual"
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Interactions []Interaction `gorm:"foreignKey:ConversationID"`
}

// Interaction pairs an inbound message with the reply sent for it. Either
// side may be empty while the exchange is in progress.
type Interaction struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID  uint   `gorm:"not null;index:idx_interaction_seq,priority:1"`
	Sequence        int    `gorm:"not null;index:idx_interaction_seq,priority:2"`
	UserMessage     string `gorm:"type:text"`
	UserAt          *time.Time
	ResponseMessage string `gorm:"type:text"`
	ResponseAt      *time.Time
	CreatedAt       time.Time
}

// HasUser reports whether the inbound side is present.
func (i Interaction) HasUser() bool { return i.UserAt != nil }

// HasResponse reports whether the reply side is present.
func (i Interaction) HasResponse() bool { return i.ResponseAt != nil }
