package conversation

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
)

// StoreSource serves the feed from the local conversation store.
type StoreSource struct {
	store *db.Store
}

// NewStoreSource creates a StoreSource.
func NewStoreSource(store *db.Store) (*StoreSource, error) {
	if store == nil {
		return nil, fmt.Errorf("conversation: store is required")
	}
	return &StoreSource{store: store}, nil
}

// Fetch implements Source.
func (s *StoreSource) Fetch(ctx context.Context, businessNumber string) ([]Chat, error) {
	convs, err := s.store.Chats(ctx, businessNumber)
	if err != nil {
		return nil, err
	}
	return ChatsFromModels(convs), nil
}

// SetResponseMode implements Source.
func (s *StoreSource) SetResponseMode(ctx context.Context, businessNumber, conversationID string, mode ResponseMode) error {
	return s.store.SetResponseMode(ctx, businessNumber, conversationID, string(mode))
}

// ChatsFromModels converts stored conversations to feed form. Empty sides
// of an interaction become absent slots.
func ChatsFromModels(convs []models.Conversation) []Chat {
	chats := make([]Chat, 0, len(convs))
	for _, c := range convs {
		chat := Chat{
			WaID:         c.WaID,
			Alert:        c.Alert,
			ResponseMode: ResponseMode(c.ResponseMode),
			Messages:     make([]Turn, 0, len(c.Interactions)),
		}
		for _, i := range c.Interactions {
			var t Turn
			if i.HasUser() {
				t.User = &Slot{Message: i.UserMessage, Timestamp: At(*i.UserAt)}
			}
			if i.HasResponse() {
				t.Response = &Slot{Message: i.ResponseMessage, Timestamp: At(*i.ResponseAt)}
			}
			chat.Messages = append(chat.Messages, t)
		}
		chats = append(chats, chat)
	}
	return chats
}
