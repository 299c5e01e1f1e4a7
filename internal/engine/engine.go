// Package engine implements the chatbot session state machine: contact
// filtering, session resolution, template-driven response generation, and the
// administrative operations built on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoztech/whatsflow/internal/config"
	"github.com/hoztech/whatsflow/internal/delivery"
	"github.com/hoztech/whatsflow/internal/models"
	"github.com/hoztech/whatsflow/internal/store"
)

// DefaultCleanupDays is the session cleanup age used when none is given.
const DefaultCleanupDays = 7

// Engine drives automated conversations. It owns no background goroutines;
// every operation runs synchronously in the caller's goroutine, and template
// delays are returned as advisory metadata, never slept on.
type Engine struct {
	st     store.Store
	cfg    config.Provider
	sender delivery.Sender

	// now is swappable in tests.
	now func() time.Time

	// mu guards contactLocks; each per-contact lock serializes session
	// resolution so concurrent inbound messages from one contact cannot
	// create two active sessions.
	mu           sync.Mutex
	contactLocks map[int64]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithSender attaches a delivery backend for the outbound send operations.
func WithSender(s delivery.Sender) Option {
	return func(e *Engine) {
		e.sender = s
	}
}

// WithNowFunc overrides the engine's clock, mainly for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine on top of the given store and config provider.
func New(st store.Store, cfg config.Provider, opts ...Option) *Engine {
	e := &Engine{
		st:           st,
		cfg:          cfg,
		now:          time.Now,
		contactLocks: make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// contactLock returns the mutex serializing session resolution for a contact.
func (e *Engine) contactLock(contactID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.contactLocks[contactID]
	if !ok {
		lock = &sync.Mutex{}
		e.contactLocks[contactID] = lock
	}
	return lock
}

// resolveContact returns the contact for phoneNumber, creating it on first
// sight. The created flag reports whether a new record was written.
func (e *Engine) resolveContact(phoneNumber string) (*models.Contact, bool, error) {
	contact, err := e.st.GetContact(phoneNumber)
	if err != nil {
		return nil, false, err
	}
	if contact != nil {
		return contact, false, nil
	}
	contact = &models.Contact{PhoneNumber: phoneNumber}
	if err := e.st.CreateContact(contact); err != nil {
		return nil, false, err
	}
	e.logActivity(models.LogLevelInfo, fmt.Sprintf("new contact registered: %s", phoneNumber),
		nil, &contact.ID, nil)
	return contact, true, nil
}

// IsContactFiltered reports whether automated processing is suppressed for
// the phone number, registering the contact on first sight. A storage error
// must be treated as "cannot determine" by the caller (fail closed).
func (e *Engine) IsContactFiltered(phoneNumber string) (bool, error) {
	contact, created, err := e.resolveContact(phoneNumber)
	if err != nil {
		return false, fmt.Errorf("filter check for %s failed: %w", phoneNumber, err)
	}
	if created {
		return false, nil
	}
	if contact.Filtered() {
		e.logActivity(models.LogLevelInfo, fmt.Sprintf("contact filtered: %s", phoneNumber),
			nil, &contact.ID, map[string]string{
				"is_my_contact": fmt.Sprintf("%t", contact.IsMyContact),
				"is_blocked":    fmt.Sprintf("%t", contact.IsBlocked),
			})
		return true, nil
	}
	return false, nil
}

// getOrCreateSession resolves the contact's current session: the most recent
// active session whose last activity falls within the configured timeout
// window, or a fresh one at step 0. Callers must hold the contact's lock.
func (e *Engine) getOrCreateSession(contact *models.Contact) (*models.Session, error) {
	timeout, err := e.cfg.GetInt(config.KeyMaxSessionDuration, 3600)
	if err != nil {
		return nil, err
	}
	now := e.now()
	activeSince := now.Add(-time.Duration(timeout) * time.Second)

	sess, err := e.st.GetActiveSession(contact.ID, activeSince)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		slog.Debug("reusing active session", "sessionID", sess.SessionID, "contactID", contact.ID)
		return sess, nil
	}

	sess = &models.Session{
		ContactID:    contact.ID,
		SessionID:    fmt.Sprintf("session_%d_%d", contact.ID, now.Unix()),
		Status:       models.SessionStatusActive,
		CurrentStep:  0,
		ContextData:  make(map[string]string),
		StartedAt:    now,
		LastActivity: now,
	}
	err = e.st.CreateSession(sess)
	if errors.Is(err, store.ErrDuplicateSessionID) {
		// Another writer won the id; reuse its session if it is still
		// active, otherwise retry once with a uniquified id.
		existing, lookupErr := e.st.GetActiveSession(contact.ID, activeSince)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
		sess.SessionID = fmt.Sprintf("session_%d_%d_%s", contact.ID, now.Unix(), uuid.NewString()[:8])
		err = e.st.CreateSession(sess)
	}
	if err != nil {
		return nil, err
	}

	e.logActivity(models.LogLevelInfo, fmt.Sprintf("session started: %s", sess.SessionID),
		&sess.ID, &contact.ID, nil)
	return sess, nil
}

// ProcessIncomingMessage runs one inbound message through the state machine
// and returns the automated reply to send, or nil when no reply is due
// (chatbot disabled, contact filtered, conversation finished, or any internal
// failure). It never panics outward; failures are logged and swallowed so one
// bad payload cannot take down ingestion.
func (e *Engine) ProcessIncomingMessage(msg models.IncomingMessage) *models.ResponseDescriptor {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing incoming message", "panic", r, "messageID", msg.ID)
		}
	}()

	if err := msg.Validate(); err != nil {
		slog.Error("invalid incoming message", "error", err, "messageID", msg.ID, "from", msg.From)
		e.logActivity(models.LogLevelError, "invalid incoming message rejected", nil, nil,
			map[string]string{"message_id": msg.ID, "from": msg.From, "error": err.Error()})
		return nil
	}

	active, err := e.cfg.GetBool(config.KeyChatbotActive)
	if err != nil {
		slog.Error("failed to read chatbot_active", "error", err)
		return nil
	}
	if !active {
		slog.Debug("chatbot inactive, ignoring message", "messageID", msg.ID)
		return nil
	}

	filtered, err := e.IsContactFiltered(msg.From)
	if err != nil {
		// Fail closed: no automated reply when the filter check itself failed.
		slog.Error("contact filter check failed", "error", err, "from", msg.From)
		return nil
	}
	if filtered {
		return nil
	}

	contact, _, err := e.resolveContact(msg.From)
	if err != nil {
		slog.Error("failed to resolve contact", "error", err, "from", msg.From)
		return nil
	}

	lock := e.contactLock(contact.ID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.getOrCreateSession(contact)
	if err != nil {
		slog.Error("failed to resolve session", "error", err, "contactID", contact.ID)
		e.logActivity(models.LogLevelError, "session resolution failed", nil, &contact.ID,
			map[string]string{"message_id": msg.ID, "error": err.Error()})
		return nil
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	inbound := &models.Message{
		SessionID:   sess.ID,
		MessageID:   msg.ID,
		Direction:   models.DirectionIncoming,
		Type:        msgType,
		Content:     msg.Body,
		Timestamp:   time.Unix(msg.Timestamp, 0),
		IsAutomated: false,
	}
	created, err := e.st.CreateMessage(inbound)
	if err != nil {
		slog.Error("failed to persist inbound message", "error", err, "messageID", msg.ID)
		e.logActivity(models.LogLevelError, "inbound message persistence failed", &sess.ID, &contact.ID,
			map[string]string{"message_id": msg.ID, "error": err.Error()})
		return nil
	}
	if !created {
		// Redelivery of a known message id: no duplicate row, but the
		// conversation still advances so delivery retries cannot stall it.
		slog.Debug("duplicate inbound message id, advancing anyway", "messageID", msg.ID)
	}

	return e.generateResponse(contact, sess)
}

// generateResponse produces the automated reply for the session's current
// step, advancing the step pointer. A missing template is the conversation's
// natural end and completes the session.
func (e *Engine) generateResponse(contact *models.Contact, sess *models.Session) *models.ResponseDescriptor {
	tmpl, err := e.st.GetTemplateByStep(sess.CurrentStep)
	if err != nil {
		e.markSessionError(sess, contact, fmt.Errorf("template lookup for step %d failed: %w", sess.CurrentStep, err))
		return nil
	}

	now := e.now()
	if tmpl == nil {
		sess.Status = models.SessionStatusCompleted
		sess.CompletedAt = &now
		sess.LastActivity = now
		if err := e.st.UpdateSession(sess); err != nil {
			slog.Error("failed to complete session", "error", err, "sessionID", sess.SessionID)
			return nil
		}
		e.logActivity(models.LogLevelInfo, fmt.Sprintf("session completed: %s", sess.SessionID),
			&sess.ID, &contact.ID, nil)
		return nil
	}

	body := Render(tmpl.Content, buildRenderContext(contact, sess))

	outbound := &models.Message{
		SessionID:   sess.ID,
		MessageID:   fmt.Sprintf("out_%s_%d", sess.SessionID, now.UnixNano()),
		Direction:   models.DirectionOutgoing,
		Type:        models.MessageTypeText,
		Content:     body,
		Timestamp:   now,
		IsAutomated: true,
	}
	if _, err := e.st.CreateMessage(outbound); err != nil {
		e.markSessionError(sess, contact, fmt.Errorf("failed to persist outgoing message: %w", err))
		return nil
	}

	sess.CurrentStep++
	sess.LastActivity = now
	if err := e.st.UpdateSession(sess); err != nil {
		e.markSessionError(sess, contact, fmt.Errorf("failed to advance session: %w", err))
		return nil
	}

	slog.Debug("automated response generated", "sessionID", sess.SessionID,
		"step", sess.CurrentStep-1, "delaySeconds", tmpl.DelaySeconds)
	return &models.ResponseDescriptor{
		To:           contact.PhoneNumber,
		Body:         body,
		DelaySeconds: tmpl.DelaySeconds,
		MessageID:    outbound.MessageID,
	}
}

// markSessionError halts the session at its current step with the failure
// recorded on the session itself.
func (e *Engine) markSessionError(sess *models.Session, contact *models.Contact, cause error) {
	slog.Error("response generation failed", "error", cause, "sessionID", sess.SessionID)
	sess.Status = models.SessionStatusError
	sess.ErrorMessage = cause.Error()
	sess.LastActivity = e.now()
	if err := e.st.UpdateSession(sess); err != nil {
		slog.Error("failed to mark session as errored", "error", err, "sessionID", sess.SessionID)
	}
	e.logActivity(models.LogLevelError, fmt.Sprintf("session errored: %s", sess.SessionID),
		&sess.ID, &contact.ID, map[string]string{"error": cause.Error()})
}

// SendTextMessage delivers a free-text message to the phone number and
// records it in the contact's conversation history as a manual send. Requires
// a configured sender.
func (e *Engine) SendTextMessage(ctx context.Context, phoneNumber, body string) delivery.Result {
	if e.sender == nil {
		return delivery.Result{Success: false, Error: "no delivery backend configured"}
	}
	phone, err := e.normalizePhone(phoneNumber)
	if err != nil {
		return delivery.Result{Success: false, Error: err.Error()}
	}

	res := e.sender.SendText(ctx, phone, body)
	if !res.Success {
		e.logActivity(models.LogLevelError, "outbound text delivery failed", nil, nil,
			map[string]string{"to": phone, "error": res.Error})
		return res
	}
	e.recordManualSend(phone, body, res.MessageID)
	return res
}

// SendTemplateMessage delivers a provider-side template to the phone number
// and records the send. Requires a configured sender.
func (e *Engine) SendTemplateMessage(ctx context.Context, phoneNumber, templateName, languageCode string, params []string) delivery.Result {
	if e.sender == nil {
		return delivery.Result{Success: false, Error: "no delivery backend configured"}
	}
	phone, err := e.normalizePhone(phoneNumber)
	if err != nil {
		return delivery.Result{Success: false, Error: err.Error()}
	}

	res := e.sender.SendTemplate(ctx, phone, templateName, languageCode, params)
	if !res.Success {
		e.logActivity(models.LogLevelError, "outbound template delivery failed", nil, nil,
			map[string]string{"to": phone, "template": templateName, "error": res.Error})
		return res
	}
	e.recordManualSend(phone, fmt.Sprintf("[template] %s", templateName), res.MessageID)
	return res
}

// normalizePhone applies the configured default country code.
func (e *Engine) normalizePhone(phoneNumber string) (string, error) {
	if phoneNumber == "" {
		return "", models.ErrEmptyPhoneNumber
	}
	countryCode, err := e.cfg.Get(config.KeyDefaultCountryCode)
	if err != nil {
		return "", err
	}
	phone := models.NormalizePhoneNumber(phoneNumber, countryCode)
	if !models.ValidPhoneNumber(phone) {
		return "", models.ErrInvalidPhoneNumber
	}
	return phone, nil
}

// recordManualSend persists a manually-triggered outgoing message under the
// contact's current session. Persistence failures are logged but do not turn
// a delivered message into a reported failure.
func (e *Engine) recordManualSend(phone, content, providerMessageID string) {
	contact, _, err := e.resolveContact(phone)
	if err != nil {
		slog.Error("failed to resolve contact for manual send record", "error", err, "to", phone)
		return
	}

	lock := e.contactLock(contact.ID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.getOrCreateSession(contact)
	if err != nil {
		slog.Error("failed to resolve session for manual send record", "error", err, "to", phone)
		return
	}

	messageID := providerMessageID
	if messageID == "" {
		messageID = fmt.Sprintf("manual_%s_%d", sess.SessionID, e.now().UnixNano())
	}
	outbound := &models.Message{
		SessionID:   sess.ID,
		MessageID:   messageID,
		Direction:   models.DirectionOutgoing,
		Type:        models.MessageTypeText,
		Content:     content,
		Timestamp:   e.now(),
		IsAutomated: false,
	}
	if _, err := e.st.CreateMessage(outbound); err != nil {
		slog.Error("failed to record manual send", "error", err, "messageID", messageID)
	}
}

// Activate enables automated responses.
func (e *Engine) Activate(updatedBy string) error {
	if err := e.cfg.Set(config.KeyChatbotActive, "true", updatedBy); err != nil {
		return err
	}
	e.logActivity(models.LogLevelInfo, "chatbot activated", nil, nil,
		map[string]string{"updated_by": updatedBy})
	return nil
}

// Deactivate disables automated responses.
func (e *Engine) Deactivate(updatedBy string) error {
	if err := e.cfg.Set(config.KeyChatbotActive, "false", updatedBy); err != nil {
		return err
	}
	e.logActivity(models.LogLevelInfo, "chatbot deactivated", nil, nil,
		map[string]string{"updated_by": updatedBy})
	return nil
}

// Stats aggregates session, contact and today's message counts. "Today"
// starts at local midnight of the engine's clock.
func (e *Engine) Stats() (*models.ChatbotStats, error) {
	stats := &models.ChatbotStats{}
	var err error

	if stats.ActiveSessions, err = e.st.CountSessionsByStatus(models.SessionStatusActive); err != nil {
		return nil, err
	}
	if stats.CompletedSessions, err = e.st.CountSessionsByStatus(models.SessionStatusCompleted); err != nil {
		return nil, err
	}
	if stats.TotalContacts, err = e.st.CountContacts(); err != nil {
		return nil, err
	}
	if stats.FilteredContacts, err = e.st.CountFilteredContacts(); err != nil {
		return nil, err
	}
	if stats.BlockedContacts, err = e.st.CountBlockedContacts(); err != nil {
		return nil, err
	}

	now := e.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if stats.MessagesToday, err = e.st.CountMessagesSince(midnight, false); err != nil {
		return nil, err
	}
	if stats.AutomatedMessagesToday, err = e.st.CountMessagesSince(midnight, true); err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup soft-deletes sessions whose last activity is at least days old. The
// boundary is inclusive: a session exactly days old is cleaned up. Messages
// are never cascaded.
func (e *Engine) Cleanup(days int) (int, error) {
	if days < 1 {
		return 0, models.ErrInvalidCleanupDays
	}
	cutoff := e.now().AddDate(0, 0, -days)
	count, err := e.st.DeactivateSessionsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("session cleanup failed: %w", err)
	}
	e.logActivity(models.LogLevelInfo, fmt.Sprintf("cleanup deactivated %d sessions", count),
		nil, nil, map[string]string{"days": fmt.Sprintf("%d", days)})
	return count, nil
}

// UpsertContact registers or updates a contact's name and filter flags. Flags
// left nil in the request keep the contact's current values, so updating a
// name never resets a block.
func (e *Engine) UpsertContact(req models.ContactUpsertRequest) (*models.Contact, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	contact, _, err := e.resolveContact(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		contact.Name = req.Name
	}
	if req.IsMyContact != nil {
		contact.IsMyContact = *req.IsMyContact
	}
	if req.IsBlocked != nil {
		contact.IsBlocked = *req.IsBlocked
	}
	if err := e.st.UpdateContact(contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// BlockContact marks the contact blocked and pauses its active sessions so
// no further automated replies are generated mid-conversation.
func (e *Engine) BlockContact(phoneNumber string) (*models.Contact, error) {
	contact, _, err := e.resolveContact(phoneNumber)
	if err != nil {
		return nil, err
	}
	contact.IsBlocked = true
	if err := e.st.UpdateContact(contact); err != nil {
		return nil, err
	}
	paused, err := e.st.PauseActiveSessions(contact.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to pause sessions for blocked contact: %w", err)
	}
	e.logActivity(models.LogLevelInfo, fmt.Sprintf("contact blocked: %s", phoneNumber),
		nil, &contact.ID, map[string]string{"paused_sessions": fmt.Sprintf("%d", paused)})
	return contact, nil
}

// CreateTemplate validates and stores a new step template.
func (e *Engine) CreateTemplate(t *models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := e.st.CreateTemplate(t); err != nil {
		return err
	}
	e.logActivity(models.LogLevelInfo, fmt.Sprintf("template created: %s (step %d)", t.Name, t.StepNumber),
		nil, nil, nil)
	return nil
}

// logActivity appends a best-effort activity log record; logging must never
// fail the operation it describes.
func (e *Engine) logActivity(level models.LogLevel, message string, sessionID, contactID *int64, metadata map[string]string) {
	entry := &models.LogEntry{
		Level:     level,
		Message:   message,
		SessionID: sessionID,
		ContactID: contactID,
		Metadata:  metadata,
		Timestamp: e.now(),
	}
	if err := e.st.AddLogEntry(entry); err != nil {
		slog.Error("failed to append activity log entry", "error", err, "message", message)
	}
}
