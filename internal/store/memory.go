// Package store provides storage backends for WhatsFlow.
//
// This file implements an in-memory store used by tests and single-process
// development runs. All methods are safe for concurrent use.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/hoztech/whatsflow/internal/models"
)

// InMemoryStore keeps all chatbot state in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	contacts  []models.Contact
	sessions  []models.Session
	messages  []models.Message
	templates []models.Template
	config    map[string]models.ConfigEntry
	logs      []models.LogEntry
	nextID    map[string]int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		config: make(map[string]models.ConfigEntry),
		nextID: make(map[string]int64),
	}
}

func (s *InMemoryStore) allocID(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneContact(c models.Contact) models.Contact { return c }

func cloneSession(sess models.Session) models.Session {
	out := sess
	out.ContextData = cloneStringMap(sess.ContextData)
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func cloneMessage(m models.Message) models.Message {
	out := m
	out.Metadata = cloneStringMap(m.Metadata)
	return out
}

// GetContact returns the active contact with the given phone number, or nil.
func (s *InMemoryStore) GetContact(phoneNumber string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.contacts {
		if s.contacts[i].PhoneNumber == phoneNumber && s.contacts[i].IsActive {
			c := cloneContact(s.contacts[i])
			return &c, nil
		}
	}
	return nil, nil
}

// CreateContact stores a new contact and assigns its id.
func (s *InMemoryStore) CreateContact(c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c.ID = s.allocID("contacts")
	c.IsActive = true
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.contacts = append(s.contacts, cloneContact(*c))
	return nil
}

// UpdateContact replaces the stored contact with the same id.
func (s *InMemoryStore) UpdateContact(c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now()
	for i := range s.contacts {
		if s.contacts[i].ID == c.ID {
			s.contacts[i] = cloneContact(*c)
			return nil
		}
	}
	return nil
}

// ListContacts returns all active contacts, most recently updated first.
func (s *InMemoryStore) ListContacts() ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for i := range s.contacts {
		if s.contacts[i].IsActive {
			out = append(out, cloneContact(s.contacts[i]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// CountContacts returns the number of active contacts.
func (s *InMemoryStore) CountContacts() (int, error) {
	return s.countContacts(func(c *models.Contact) bool { return true })
}

// CountFilteredContacts returns the number of active contacts marked as the
// operator's own.
func (s *InMemoryStore) CountFilteredContacts() (int, error) {
	return s.countContacts(func(c *models.Contact) bool { return c.IsMyContact })
}

// CountBlockedContacts returns the number of active blocked contacts.
func (s *InMemoryStore) CountBlockedContacts() (int, error) {
	return s.countContacts(func(c *models.Contact) bool { return c.IsBlocked })
}

func (s *InMemoryStore) countContacts(match func(*models.Contact) bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for i := range s.contacts {
		if s.contacts[i].IsActive && match(&s.contacts[i]) {
			count++
		}
	}
	return count, nil
}

// GetActiveSession returns the contact's most recently active session with
// status=active and last_activity at or after activeSince, or nil.
func (s *InMemoryStore) GetActiveSession(contactID int64, activeSince time.Time) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Session
	for i := range s.sessions {
		sess := &s.sessions[i]
		if sess.ContactID != contactID || !sess.IsActive || sess.Status != models.SessionStatusActive {
			continue
		}
		if sess.LastActivity.Before(activeSince) {
			continue
		}
		if best == nil || sess.LastActivity.After(best.LastActivity) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	out := cloneSession(*best)
	return &out, nil
}

// CreateSession stores a new session and assigns its id. Returns
// ErrDuplicateSessionID when the session_id is already taken.
func (s *InMemoryStore) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].SessionID == sess.SessionID {
			return ErrDuplicateSessionID
		}
	}
	now := time.Now()
	sess.ID = s.allocID("sessions")
	sess.IsActive = true
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	s.sessions = append(s.sessions, cloneSession(*sess))
	return nil
}

// UpdateSession replaces the stored session with the same id.
func (s *InMemoryStore) UpdateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ID == sess.ID {
			s.sessions[i] = cloneSession(*sess)
			return nil
		}
	}
	return nil
}

// PauseActiveSessions moves all of the contact's active sessions to paused.
func (s *InMemoryStore) PauseActiveSessions(contactID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.sessions {
		sess := &s.sessions[i]
		if sess.ContactID == contactID && sess.IsActive && sess.Status == models.SessionStatusActive {
			sess.Status = models.SessionStatusPaused
			count++
		}
	}
	return count, nil
}

// DeactivateSessionsBefore soft-deletes sessions whose last_activity is at or
// before cutoff. The boundary is inclusive.
func (s *InMemoryStore) DeactivateSessionsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.sessions {
		sess := &s.sessions[i]
		if sess.IsActive && !sess.LastActivity.After(cutoff) {
			sess.IsActive = false
			count++
		}
	}
	return count, nil
}

// CountSessionsByStatus returns the number of active sessions with the status.
func (s *InMemoryStore) CountSessionsByStatus(status models.SessionStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for i := range s.sessions {
		if s.sessions[i].IsActive && s.sessions[i].Status == status {
			count++
		}
	}
	return count, nil
}

// CreateMessage stores a message unless its message_id was already recorded.
func (s *InMemoryStore) CreateMessage(m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.MessageID == "" {
		return false, models.ErrEmptyMessageID
	}
	for i := range s.messages {
		if s.messages[i].MessageID == m.MessageID {
			return false, nil
		}
	}
	now := time.Now()
	m.ID = s.allocID("messages")
	m.IsActive = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	s.messages = append(s.messages, cloneMessage(*m))
	return true, nil
}

// ListSessionMessages returns the session's active messages in insertion order.
func (s *InMemoryStore) ListSessionMessages(sessionID int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for i := range s.messages {
		if s.messages[i].SessionID == sessionID && s.messages[i].IsActive {
			out = append(out, cloneMessage(s.messages[i]))
		}
	}
	return out, nil
}

// CountMessagesSince counts active messages created at or after since.
func (s *InMemoryStore) CountMessagesSince(since time.Time, automatedOnly bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for i := range s.messages {
		m := &s.messages[i]
		if !m.IsActive || m.CreatedAt.Before(since) {
			continue
		}
		if automatedOnly && !m.IsAutomated {
			continue
		}
		count++
	}
	return count, nil
}

// GetTemplateByStep returns the active template for the step (lowest id), or nil.
func (s *InMemoryStore) GetTemplateByStep(step int) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Template
	for i := range s.templates {
		t := &s.templates[i]
		if t.StepNumber != step || !t.IsActive {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// CreateTemplate stores a new template, enforcing one active template per step.
func (s *InMemoryStore) CreateTemplate(t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.IsActive = true
	for i := range s.templates {
		if s.templates[i].IsActive && s.templates[i].StepNumber == t.StepNumber {
			return models.ErrDuplicateTemplateStep
		}
	}
	now := time.Now()
	t.ID = s.allocID("templates")
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates = append(s.templates, *t)
	return nil
}

// UpdateTemplate replaces the stored template with the same id, keeping the
// one-active-template-per-step rule.
func (s *InMemoryStore) UpdateTemplate(t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.templates {
		if s.templates[i].ID != t.ID && s.templates[i].IsActive && t.IsActive && s.templates[i].StepNumber == t.StepNumber {
			return models.ErrDuplicateTemplateStep
		}
	}
	t.UpdatedAt = time.Now()
	for i := range s.templates {
		if s.templates[i].ID == t.ID {
			s.templates[i] = *t
			return nil
		}
	}
	return nil
}

// ListTemplates returns all active templates ordered by step number.
func (s *InMemoryStore) ListTemplates() ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Template
	for i := range s.templates {
		if s.templates[i].IsActive {
			out = append(out, s.templates[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

// GetConfigValue returns the stored value for key, if any.
func (s *InMemoryStore) GetConfigValue(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.config[key]
	if !ok || !entry.IsActive {
		return "", false, nil
	}
	return entry.Value, true, nil
}

// SetConfigValue upserts a config key with last-write-wins semantics.
func (s *InMemoryStore) SetConfigValue(key, value, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = models.ConfigEntry{
		Key:       key,
		Value:     value,
		UpdatedBy: updatedBy,
		IsActive:  true,
		UpdatedAt: time.Now(),
	}
	return nil
}

// ListConfig returns all active config entries sorted by key.
func (s *InMemoryStore) ListConfig() ([]models.ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConfigEntry
	for _, entry := range s.config {
		if entry.IsActive {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// AddLogEntry appends an activity log record.
func (s *InMemoryStore) AddLogEntry(e *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.allocID("logs")
	e.IsActive = true
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	entry := *e
	entry.Metadata = cloneStringMap(e.Metadata)
	s.logs = append(s.logs, entry)
	return nil
}

// ListLogEntries returns up to limit log records, newest first.
func (s *InMemoryStore) ListLogEntries(limit int) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LogEntry
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		entry := s.logs[i]
		entry.Metadata = cloneStringMap(s.logs[i].Metadata)
		out = append(out, entry)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)
