package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// ErrNoConversation is returned when a user has neither a remembered
// conversation nor a roster phone number to message.
var ErrNoConversation = errors.New("conversation: no destination for user")

// Roster is the read-only team directory.
type Roster interface {
	User(id string) (models.User, bool)
	UserByPhone(phone string) (models.User, bool)
	Lead(userID string) (models.User, bool)
}

// Contacts resolves where to send a user's messages.
type Contacts struct {
	store  store.StateStore
	roster Roster
}

// NewContacts creates a Contacts resolver.
func NewContacts(st store.StateStore, roster Roster) *Contacts {
	return &Contacts{store: st, roster: roster}
}

// Remember stores the conversation a user last wrote from.
func (c *Contacts) Remember(ctx context.Context, userID, conversationID string, at time.Time) error {
	return c.store.SaveContact(ctx, models.Contact{UserID: userID, ConversationID: conversationID, UpdatedAt: at})
}

// Resolve returns the destination for userID: the remembered conversation,
// else the roster phone number.
func (c *Contacts) Resolve(ctx context.Context, userID string) (string, error) {
	contact, err := c.store.GetContact(ctx, userID)
	switch {
	case err == nil && contact.ConversationID != "":
		return contact.ConversationID, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("lookup contact: %w", err)
	}
	if u, ok := c.roster.User(userID); ok {
		if phone := models.CanonicalPhone(u.Phone); phone != "" {
			return phone, nil
		}
	}
	return "", fmt.Errorf("%w %s", ErrNoConversation, userID)
}
