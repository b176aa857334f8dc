package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// ErrConversationNotFound is returned when a (business number, wa_id) pair
// has no conversation row.
var ErrConversationNotFound = errors.New("db: conversation not found")

// Store persists conversations for the store-backed feed.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open, migrated connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db: store: db is required")
	}
	return &Store{db: db}, nil
}

// Chats returns the conversations of a business number in creation order,
// each with its interactions in sequence order.
func (s *Store) Chats(ctx context.Context, businessNumber string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("business_number = ?", businessNumber).
		Preload("Interactions", func(tx *gorm.DB) *gorm.DB { return tx.Order("sequence ASC") }).
		Order("id ASC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("db: load conversations for %s: %w", businessNumber, err)
	}
	return convs, nil
}

// SetResponseMode updates one conversation's mode.
func (s *Store) SetResponseMode(ctx context.Context, businessNumber, waID, mode string) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("business_number = ? AND wa_id = ?", businessNumber, waID).
		Update("response_mode", mode)
	if res.Error != nil {
		return fmt.Errorf("db: set response mode %s/%s: %w", businessNumber, waID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrConversationNotFound, businessNumber, waID)
	}
	return nil
}

// SetAlert sets or clears a conversation's alert flag.
func (s *Store) SetAlert(ctx context.Context, businessNumber, waID string, alert bool) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("business_number = ? AND wa_id = ?", businessNumber, waID).
		Update("alert", alert)
	if res.Error != nil {
		return fmt.Errorf("db: set alert %s/%s: %w", businessNumber, waID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrConversationNotFound, businessNumber, waID)
	}
	return nil
}

// RecordInbound appends a counterpart message as a new interaction,
// creating the conversation on first contact.
func (s *Store) RecordInbound(ctx context.Context, businessNumber, waID, text string, at time.Time) (models.Interaction, error) {
	var out models.Interaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := models.Conversation{BusinessNumber: businessNumber, WaID: waID}
		if err := tx.Where(&conv).Attrs(models.Conversation{ResponseMode: "auto"}).FirstOrCreate(&conv).Error; err != nil {
			return err
		}
		seq, err := nextSequence(tx, conv.ID)
		if err != nil {
			return err
		}
		out = models.Interaction{ConversationID: conv.ID, Sequence: seq, UserMessage: text, UserAt: &at}
		return tx.Create(&out).Error
	})
	if err != nil {
		return models.Interaction{}, fmt.Errorf("db: record inbound %s/%s: %w", businessNumber, waID, err)
	}
	return out, nil
}

// RecordResponse fills the reply side of the latest interaction, or appends
// a reply-only interaction when the latest one already has a reply.
func (s *Store) RecordResponse(ctx context.Context, businessNumber, waID, text string, at time.Time) (models.Interaction, error) {
	var out models.Interaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		err := tx.Where("business_number = ? AND wa_id = ?", businessNumber, waID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		var last models.Interaction
		err = tx.Where("conversation_id = ?", conv.ID).Order("sequence DESC").First(&last).Error
		switch {
		case err == nil && !last.HasResponse():
			last.ResponseMessage = text
			last.ResponseAt = &at
			out = last
			return tx.Save(&out).Error
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		seq, err := nextSequence(tx, conv.ID)
		if err != nil {
			return err
		}
		out = models.Interaction{ConversationID: conv.ID, Sequence: seq, ResponseMessage: text, ResponseAt: &at}
		return tx.Create(&out).Error
	})
	if err != nil {
		return models.Interaction{}, fmt.Errorf("db: record response %s/%s: %w", businessNumber, waID, err)
	}
	return out, nil
}

func nextSequence(tx *gorm.DB, conversationID uint) (int, error) {
	var top sql.NullInt64
	if err := tx.Model(&models.Interaction{}).
		Where("conversation_id = ?", conversationID).
		Select("MAX(sequence)").Row().Scan(&top); err != nil {
		return 0, err
	}
	return int(top.Int64) + 1, nil
}
