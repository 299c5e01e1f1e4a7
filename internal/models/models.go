// Package models defines the core data structures for WhatsFlow.
//
// It covers the five persisted entities (Contact, Session, Message, Template,
// ConfigEntry) plus the append-only activity log, and the request/response
// payloads shared between the engine, the HTTP API and the CLI.
package models

import (
	"errors"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is accepting inbound messages.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusPaused indicates the session was suspended (e.g. contact blocked).
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusCompleted indicates the scripted conversation ran out of steps.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusError indicates response generation failed at the current step.
	SessionStatusError SessionStatus = "error"
)

// MessageDirection indicates whether a message was received or sent.
type MessageDirection string

const (
	// DirectionIncoming marks a message received from a contact.
	DirectionIncoming MessageDirection = "incoming"
	// DirectionOutgoing marks a message sent to a contact.
	DirectionOutgoing MessageDirection = "outgoing"
)

// MessageType categorizes message content. Text is the primary type.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeTemplate MessageType = "template"
)

// LogLevel represents the severity of an activity log entry.
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// Validation constants for input validation
const (
	// MaxPhoneNumberLength defines the maximum allowed length for phone numbers
	MaxPhoneNumberLength = 20
	// MaxTemplateContentLength defines the maximum allowed length for template bodies
	MaxTemplateContentLength = 4096
	// MaxMessageContentLength defines the maximum allowed length for message content
	MaxMessageContentLength = 4096
	// DefaultContactName is substituted when a contact has no recorded name
	DefaultContactName = "Cliente"
	// DefaultCountryCode is prepended to numbers that lack an international prefix
	DefaultCountryCode = "+55"
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhoneNumber       = errors.New("phone number cannot be empty")
	ErrInvalidPhoneNumber     = errors.New("phone number may only contain digits, +, - and spaces")
	ErrPhoneNumberTooLong     = errors.New("phone number exceeds maximum length")
	ErrEmptyMessageID         = errors.New("message id cannot be empty")
	ErrEmptyMessageBody       = errors.New("message body is required for text sends")
	ErrMessageContentTooLong  = errors.New("message content exceeds maximum length")
	ErrEmptyTemplateName      = errors.New("template name cannot be empty")
	ErrEmptyTemplateContent   = errors.New("template content cannot be empty")
	ErrTemplateContentTooLong = errors.New("template content exceeds maximum length")
	ErrNegativeStepNumber     = errors.New("step number cannot be negative")
	ErrNegativeDelay          = errors.New("delay seconds cannot be negative")
	ErrDuplicateTemplateStep  = errors.New("an active template already exists for this step")
	ErrInvalidCleanupDays     = errors.New("cleanup days must be at least 1")
)

// ValidPhoneNumber reports whether s satisfies the loose phone format:
// digits, +, - and spaces only.
func ValidPhoneNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == ' ':
		default:
			return false
		}
	}
	return true
}

// BoolPtr returns a pointer to b, for optional boolean request fields.
func BoolPtr(b bool) *bool {
	return &b
}

// NormalizePhoneNumber prepends countryCode to numbers that do not start
// with "+", stripping leading zeros first. countryCode falls back to
// DefaultCountryCode when empty.
func NormalizePhoneNumber(phone, countryCode string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return countryCode + strings.TrimLeft(phone, "0")
}

// Contact is an external phone-number identity tracked for filtering and history.
type Contact struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Name        string    `json:"name,omitempty"`
	IsMyContact bool      `json:"is_my_contact"`
	IsBlocked   bool      `json:"is_blocked"`
	Notes       string    `json:"notes,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DisplayName returns the contact's name, or DefaultContactName when unset.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return DefaultContactName
}

// Filtered reports whether automated processing is suppressed for this contact.
func (c *Contact) Filtered() bool {
	return c.IsMyContact || c.IsBlocked
}

// Session is one bounded automated conversation attempt with a Contact,
// advancing through numbered steps.
type Session struct {
	ID           int64             `json:"id"`
	ContactID    int64             `json:"contact_id"`
	SessionID    string            `json:"session_id"`
	Status       SessionStatus     `json:"status"`
	CurrentStep  int               `json:"current_step"`
	ContextData  map[string]string `json:"context_data,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	IsActive     bool              `json:"is_active"`
}

// Message is one inbound or outbound unit of conversation tied to a Session.
// Immutable after creation except for the soft-delete flag.
type Message struct {
	ID          int64             `json:"id"`
	SessionID   int64             `json:"session_id"`
	MessageID   string            `json:"message_id"`
	Direction   MessageDirection  `json:"direction"`
	Type        MessageType       `json:"type"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	IsAutomated bool              `json:"is_automated"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Template is a named, step-numbered message body with {variable}-style
// placeholders and an advisory delay before sending.
type Template struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	StepNumber   int       `json:"step_number"`
	Content      string    `json:"content"`
	DelaySeconds int       `json:"delay_seconds"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks a Template before it is stored.
func (t *Template) Validate() error {
	if t.Name == "" {
		return ErrEmptyTemplateName
	}
	if t.Content == "" {
		return ErrEmptyTemplateContent
	}
	if len(t.Content) > MaxTemplateContentLength {
		return ErrTemplateContentTooLong
	}
	if t.StepNumber < 0 {
		return ErrNegativeStepNumber
	}
	if t.DelaySeconds < 0 {
		return ErrNegativeDelay
	}
	return nil
}

// ConfigEntry is one key/value pair of the flat runtime configuration store.
// Boolean-like flags are stored as the literal strings "true"/"false".
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one append-only activity log record, optionally keyed to a
// session and/or contact. Never mutated in normal operation.
type LogEntry struct {
	ID        int64             `json:"id"`
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	SessionID *int64            `json:"session_id,omitempty"`
	ContactID *int64            `json:"contact_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	IsActive  bool              `json:"is_active"`
}

// IncomingMessage is the normalized inbound payload handed to the engine.
type IncomingMessage struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Body      string      `json:"body"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"` // epoch seconds
}

// Validate checks the minimal shape the engine requires.
func (m *IncomingMessage) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.From == "" {
		return ErrEmptyPhoneNumber
	}
	if !ValidPhoneNumber(m.From) {
		return ErrInvalidPhoneNumber
	}
	if len(m.From) > MaxPhoneNumberLength {
		return ErrPhoneNumberTooLong
	}
	if len(m.Body) > MaxMessageContentLength {
		return ErrMessageContentTooLong
	}
	return nil
}

// ResponseDescriptor describes the automated reply the caller should deliver.
// DelaySeconds is advisory metadata; the engine never sleeps.
type ResponseDescriptor struct {
	To           string `json:"to"`
	Body         string `json:"body"`
	DelaySeconds int    `json:"delay_seconds"`
	MessageID    string `json:"message_id"`
}

// WebhookStatus classifies the outcome of webhook ingestion.
type WebhookStatus string

const (
	// WebhookStatusSuccess indicates a message was processed and a reply generated.
	WebhookStatusSuccess WebhookStatus = "success"
	// WebhookStatusFiltered indicates the contact was filtered, the chatbot is
	// inactive, or the conversation produced no further reply.
	WebhookStatusFiltered WebhookStatus = "filtered"
	// WebhookStatusIgnored indicates the envelope carried no message to process.
	WebhookStatusIgnored WebhookStatus = "ignored"
	// WebhookStatusError indicates the envelope was malformed.
	WebhookStatusError WebhookStatus = "error"
)

// WebhookResult is the status descriptor returned to webhook callers.
type WebhookResult struct {
	Status   WebhookStatus       `json:"status"`
	Message  string              `json:"message,omitempty"`
	Response *ResponseDescriptor `json:"response,omitempty"`
}

// ChatbotStats aggregates session, contact and daily message counts.
type ChatbotStats struct {
	ActiveSessions         int `json:"active_sessions"`
	CompletedSessions      int `json:"completed_sessions"`
	TotalContacts          int `json:"total_contacts"`
	FilteredContacts       int `json:"filtered_contacts"`
	BlockedContacts        int `json:"blocked_contacts"`
	MessagesToday          int `json:"messages_today"`
	AutomatedMessagesToday int `json:"automated_messages_today"`
}

// SendMessageRequest is the payload for the outbound send endpoint and CLI.
// Either Message (free text) or TemplateName (+ optional parameters) is set.
type SendMessageRequest struct {
	PhoneNumber  string   `json:"phone_number"`
	Message      string   `json:"message,omitempty"`
	TemplateName string   `json:"template_name,omitempty"`
	LanguageCode string   `json:"language_code,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
}

// Validate checks a SendMessageRequest.
func (r *SendMessageRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if !ValidPhoneNumber(r.PhoneNumber) {
		return ErrInvalidPhoneNumber
	}
	if r.TemplateName == "" {
		if r.Message == "" {
			return ErrEmptyMessageBody
		}
		if len(r.Message) > MaxMessageContentLength {
			return ErrMessageContentTooLong
		}
	}
	return nil
}

// ContactUpsertRequest is the payload for creating or updating a contact.
type ContactUpsertRequest struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
	// IsMyContact and IsBlocked are tri-state: nil leaves the existing
	// contact's flag untouched, so a name-only upsert cannot unblock a
	// blocked contact.
	IsMyContact *bool `json:"is_my_contact,omitempty"`
	IsBlocked   *bool `json:"is_blocked,omitempty"`
}

// Validate checks a ContactUpsertRequest.
func (r *ContactUpsertRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if !ValidPhoneNumber(r.PhoneNumber) {
		return ErrInvalidPhoneNumber
	}
	if len(r.PhoneNumber) > MaxPhoneNumberLength {
		return ErrPhoneNumberTooLong
	}
	return nil
}

// CleanupRequest is the payload for the session cleanup operation.
type CleanupRequest struct {
	Days int `json:"days"`
}

// Validate checks a CleanupRequest.
func (r *CleanupRequest) Validate() error {
	if r.Days < 1 {
		return ErrInvalidCleanupDays
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

// SuccessWithMessage creates a successful API response with a message and
// optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
