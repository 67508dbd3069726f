package messaging

import (
	"context"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	*inbox
	client    whatsapp.Sender
	waClient  *whatsapp.Client // set when the sender is a live client, for event handling
	mu        sync.Mutex
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		inbox:  newInbox("WhatsAppService"),
		client: client,
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start subscribes to incoming messages when backed by a live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.mu.Lock()
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	s.mu.Unlock()
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes from events and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.handlerID = 0
	}
	s.mu.Unlock()
	s.close()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// Send delivers msg, rendering any card as text.
func (s *WhatsAppService) Send(ctx context.Context, msg models.Outbound) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	to, err := s.ValidateAndCanonicalizeRecipient(msg.ConversationID)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, to, RenderText(msg)); err != nil {
		slog.Error("WhatsAppService.Send: send failed", "to", to, "error", err)
		return err
	}
	slog.Debug("WhatsAppService.Send: sent", "to", to)
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppService: connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService: disconnected")
	}
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	sender := evt.Info.Sender.User
	s.emit(models.Inbound{
		MessageID:      string(evt.Info.ID),
		SenderID:       sender,
		ConversationID: sender,
		Text:           text,
		ReceivedAt:     evt.Info.Timestamp,
	})
}
