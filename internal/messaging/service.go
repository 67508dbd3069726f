// Package messaging connects the workflow to a chat platform: outbound sends,
// an inbound message channel, and the handler that routes inbound text.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize is the buffer size of the inbound channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a reader
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted phone number
	minPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone number and returns
	// it as digits only.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers msg to its conversation.
	Send(ctx context.Context, msg models.Outbound) error

	// Start begins any background processing (e.g., event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns the channel of received messages.
	Inbound() <-chan models.Inbound
}

// canonicalRecipient strips formatting from a phone number and checks its length.
func canonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := models.CanonicalPhone(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

// RenderText flattens a message and its card into plain text for platforms
// without native cards.
func RenderText(msg models.Outbound) string {
	if msg.Card == nil {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	if msg.Card.Title != "" {
		b.WriteString("\n\n*" + msg.Card.Title + "*")
	}
	for _, a := range msg.Card.Actions {
		b.WriteString("\n" + a.Label + ": " + a.URL)
	}
	return b.String()
}

// inbox owns the inbound channel shared by the platform services.
type inbox struct {
	name    string
	mu      sync.RWMutex
	stopped bool
	ch      chan models.Inbound
}

func newInbox(name string) *inbox {
	return &inbox{name: name, ch: make(chan models.Inbound, DefaultChannelBufferSize)}
}

func (b *inbox) Inbound() <-chan models.Inbound {
	return b.ch
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit queues in for the handler and reports whether it was accepted.
func (b *inbox) emit(in models.Inbound) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+": dropping inbound message (service stopped)", "senderID", in.SenderID)
		return false
	}
	select {
	case b.ch <- in:
		slog.Debug(b.name+": inbound message queued", "senderID", in.SenderID, "messageID", in.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": inbound channel blocked, dropping message", "senderID", in.SenderID, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}
