package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/conversation"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// DefaultDedupTTL is how long an inbound message ID is remembered.
const DefaultDedupTTL = 24 * time.Hour

// UnknownSenderText is sent to numbers that are not on the roster.
const UnknownSenderText = "This number isn't on the team roster, so your message wasn't recorded."

// Directory finds roster users by phone number.
type Directory interface {
	UserByPhone(phone string) (models.User, bool)
}

// ContactRecorder remembers where a user can be reached.
type ContactRecorder interface {
	Remember(ctx context.Context, userID, conversationID string, at time.Time) error
}

// InboundRouter consumes a roster user's inbound text.
type InboundRouter interface {
	Handle(ctx context.Context, user models.User, in models.Inbound) (conversation.Outcome, error)
}

// ResponseHandler drains a Service's inbound channel: it drops redelivered
// messages, records the sender's conversation and routes the text.
type ResponseHandler struct {
	svc      Service
	dir      Directory
	contacts ContactRecorder
	router   InboundRouter
	seen     store.Cache
	dedupTTL time.Duration
	now      func() time.Time
}

// ResponseHandlerConfig wires a ResponseHandler. Seen may be nil to disable
// deduplication.
type ResponseHandlerConfig struct {
	Service   Service
	Directory Directory
	Contacts  ContactRecorder
	Router    InboundRouter
	Seen      store.Cache
	DedupTTL  time.Duration
	Now       func() time.Time
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(cfg ResponseHandlerConfig) *ResponseHandler {
	rh := &ResponseHandler{
		svc:      cfg.Service,
		dir:      cfg.Directory,
		contacts: cfg.Contacts,
		router:   cfg.Router,
		seen:     cfg.Seen,
		dedupTTL: cfg.DedupTTL,
		now:      cfg.Now,
	}
	if rh.dedupTTL <= 0 {
		rh.dedupTTL = DefaultDedupTTL
	}
	if rh.now == nil {
		rh.now = time.Now
	}
	return rh
}

// InboundKey is the cache key marking a message ID as processed.
func InboundKey(messageID string) string {
	return "inbound:" + messageID
}

// ProcessInbound handles one inbound message.
func (rh *ResponseHandler) ProcessInbound(ctx context.Context, in models.Inbound) error {
	claimed := false
	if in.MessageID != "" && rh.seen != nil {
		fresh, err := rh.seen.SetIfAbsent(ctx, InboundKey(in.MessageID), []byte(in.SenderID), rh.dedupTTL)
		if err != nil {
			slog.Error("ResponseHandler.ProcessInbound: dedup check failed", "messageID", in.MessageID, "error", err)
		} else if !fresh {
			slog.Info("ResponseHandler.ProcessInbound: duplicate message ignored", "messageID", in.MessageID)
			return nil
		}
		claimed = err == nil
	}

	user, ok := rh.dir.UserByPhone(in.SenderID)
	if !ok {
		slog.Warn("ResponseHandler.ProcessInbound: sender not on roster", "senderID", in.SenderID)
		if err := rh.svc.Send(ctx, models.Outbound{ConversationID: in.ConversationID, Text: UnknownSenderText}); err != nil {
			slog.Error("ResponseHandler.ProcessInbound: failed to reply to unknown sender", "senderID", in.SenderID, "error", err)
		}
		return nil
	}

	at := in.ReceivedAt
	if at.IsZero() {
		at = rh.now()
	}
	if in.ConversationID != "" {
		if err := rh.contacts.Remember(ctx, user.ID, in.ConversationID, at); err != nil {
			slog.Error("ResponseHandler.ProcessInbound: failed to remember contact", "userID", user.ID, "error", err)
		}
	}

	outcome, err := rh.router.Handle(ctx, user, in)
	if err != nil {
		// Release the message ID so a redelivery is processed again.
		if claimed {
			if derr := rh.seen.Delete(ctx, InboundKey(in.MessageID)); derr != nil {
				slog.Error("ResponseHandler.ProcessInbound: failed to release message", "messageID", in.MessageID, "error", derr)
			}
		}
		return fmt.Errorf("route message from %s: %w", user.ID, err)
	}
	slog.Info("ResponseHandler.ProcessInbound: handled", "userID", user.ID, "outcome", outcome)
	return nil
}

// Start processes inbound messages until ctx is done or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: processing inbound messages")
	go func() {
		defer slog.Info("ResponseHandler.Start: stopped")
		for {
			select {
			case in, ok := <-rh.svc.Inbound():
				if !ok {
					return
				}
				if err := rh.ProcessInbound(ctx, in); err != nil {
					slog.Error("ResponseHandler.Start: failed to process message", "senderID", in.SenderID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
