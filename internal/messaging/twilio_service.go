package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
)

// twimlEmpty acknowledges a webhook without sending a reply.
const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WebhookValidator verifies Twilio request signatures.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	*inbox
	client     twiliowhatsapp.Sender
	validator  WebhookValidator
	webhookURL string
	now        func() time.Time
}

// NewTwilioService creates a TwilioService. With a nil validator webhook
// signatures are not checked. webhookURL is the public URL Twilio signs; when
// empty it is rebuilt from the request.
func NewTwilioService(client twiliowhatsapp.Sender, validator WebhookValidator, webhookURL string) *TwilioService {
	return &TwilioService{
		inbox:      newInbox("TwilioService"),
		client:     client,
		validator:  validator,
		webhookURL: webhookURL,
		now:        time.Now,
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.close()
	slog.Info("TwilioService.Stop: stopped")
	return nil
}

// Send delivers msg via Twilio, rendering any card as text.
func (s *TwilioService) Send(ctx context.Context, msg models.Outbound) error {
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
		slog.Error("TwilioService.Send: send failed", "to", to, "error", err)
		return err
	}
	slog.Debug("TwilioService.Send: sent", "to", to)
	return nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and queues
// them on the inbound channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.ValidateWebhook(s.signedURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remoteAddr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "hasFrom", from != "", "hasBody", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	sender, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := models.Inbound{
		MessageID:      r.FormValue("MessageSid"),
		SenderID:       sender,
		ConversationID: sender,
		Text:           body,
		ReceivedAt:     s.now(),
	}
	if !s.emit(in) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, twimlEmpty)
}

func (s *TwilioService) signedURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
