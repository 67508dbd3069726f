// Package models defines the core data structures for CheckinPipe.
//
// It includes the message envelopes exchanged with messaging platforms, the
// API response envelope, and the domain records shared across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversation = errors.New("conversation id cannot be empty")
	ErrEmptyBody         = errors.New("message body cannot be empty")
	ErrBodyTooLong       = errors.New("message body exceeds maximum length")
)

// MaxMessageBodyLength defines the maximum allowed length for outbound message text
const MaxMessageBodyLength = 4096

// DayLayout is the calendar-day key format used across stores and logs.
const DayLayout = "2006-01-02"

// DayKey formats t as the calendar day it falls on in its own location.
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalPhone strips everything but digits, so "whatsapp:+1 (555) 010-2030"
// and "15550102030" compare equal.
func CanonicalPhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}

// User is a roster member who receives check-in prompts.
type User struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Phone  string `json:"phone" yaml:"phone"`
	LeadID string `json:"lead_id,omitempty" yaml:"lead_id"`
}

// Contact remembers the platform-specific destination handle for a user.
type Contact struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Inbound is a message received from a messaging platform.
type Inbound struct {
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
}

// CardAction is a labelled link rendered on a structured card.
type CardAction struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Card is an optional structured attachment to an outbound message.
type Card struct {
	Title   string       `json:"title"`
	Actions []CardAction `json:"actions,omitempty"`
}

// Outbound is a message to be delivered to a conversation.
type Outbound struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Card           *Card  `json:"card,omitempty"`
}

// Validate checks the outbound envelope before it reaches a platform client.
func (o Outbound) Validate() error {
	if o.ConversationID == "" {
		return ErrEmptyConversation
	}
	if o.Text == "" {
		return ErrEmptyBody
	}
	if len(o.Text) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid indicates submitted form data failed validation.
	APIStatusInvalid APIStatus = "invalid"
	// APIStatusNeedsConfirmation indicates warnings must be acknowledged before submit.
	APIStatusNeedsConfirmation APIStatus = "needs_confirmation"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// WithStatus creates a response carrying an arbitrary status and result.
func WithStatus(status APIStatus, message string, result interface{}) APIResponse {
	return APIResponse{Status: string(status), Message: message, Result: result}
}
