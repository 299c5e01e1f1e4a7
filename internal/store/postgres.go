// Package store provides storage backends for WhatsFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/hoztech/whatsflow/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute

	// pqUniqueViolation is the PostgreSQL error code for unique-constraint failures
	pqUniqueViolation = "23505"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists chatbot state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// isPostgresUniqueViolation reports whether err is a unique-constraint failure.
func isPostgresUniqueViolation(err error) bool {
	var perr *pq.Error
	if errors.As(err, &perr) {
		return string(perr.Code) == pqUniqueViolation
	}
	return false
}

// GetContact returns the active contact with the given phone number, or nil.
func (s *PostgresStore) GetContact(phoneNumber string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at
		FROM contacts WHERE phone_number = $1 AND is_active`, phoneNumber)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get contact %s: %w", phoneNumber, err)
	}
	return c, nil
}

// CreateContact stores a new contact and assigns its id.
func (s *PostgresStore) CreateContact(c *models.Contact) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.IsActive = true
	err := s.db.QueryRow(`INSERT INTO contacts (phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7) RETURNING id`,
		c.PhoneNumber, c.Name, c.IsMyContact, c.IsBlocked, c.Notes, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		slog.Error("PostgresStore CreateContact failed", "error", err, "phone", c.PhoneNumber)
		return fmt.Errorf("failed to insert contact %s: %w", c.PhoneNumber, err)
	}
	slog.Debug("PostgresStore CreateContact succeeded", "phone", c.PhoneNumber, "id", c.ID)
	return nil
}

// UpdateContact updates the stored contact with the same id.
func (s *PostgresStore) UpdateContact(c *models.Contact) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.Exec(`UPDATE contacts SET name = $1, is_my_contact = $2, is_blocked = $3, notes = $4, is_active = $5, updated_at = $6
		WHERE id = $7`,
		c.Name, c.IsMyContact, c.IsBlocked, c.Notes, c.IsActive, c.UpdatedAt, c.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update contact %d: %w", c.ID, err)
	}
	return nil
}

// ListContacts returns all active contacts, most recently updated first.
func (s *PostgresStore) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at
		FROM contacts WHERE is_active ORDER BY updated_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// CountContacts returns the number of active contacts.
func (s *PostgresStore) CountContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active`)
}

// CountFilteredContacts returns the number of active contacts marked as the
// operator's own.
func (s *PostgresStore) CountFilteredContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active AND is_my_contact`)
}

// CountBlockedContacts returns the number of active blocked contacts.
func (s *PostgresStore) CountBlockedContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active AND is_blocked`)
}

func (s *PostgresStore) countRows(query string, args ...interface{}) (int, error) {
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("PostgresStore count query failed", "error", err)
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return count, nil
}

// GetActiveSession returns the contact's most recently active session with
// status=active and last_activity at or after activeSince, or nil.
func (s *PostgresStore) GetActiveSession(contactID int64, activeSince time.Time) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, session_id, status, current_step, context_data, started_at, last_activity, completed_at, error_message, is_active
		FROM sessions
		WHERE contact_id = $1 AND status = $2 AND is_active AND last_activity >= $3
		ORDER BY last_activity DESC LIMIT 1`,
		contactID, models.SessionStatusActive, activeSince)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to get active session for contact %d: %w", contactID, err)
	}
	return sess, nil
}

// CreateSession stores a new session and assigns its id. Returns
// ErrDuplicateSessionID when the session_id is already taken.
func (s *PostgresStore) CreateSession(sess *models.Session) error {
	now := time.Now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	sess.IsActive = true
	contextJSON, err := marshalStringMap(sess.ContextData)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(`INSERT INTO sessions (contact_id, session_id, status, current_step, context_data, started_at, last_activity, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE) RETURNING id`,
		sess.ContactID, sess.SessionID, sess.Status, sess.CurrentStep,
		nilIfEmpty(contextJSON), sess.StartedAt, sess.LastActivity).Scan(&sess.ID)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return ErrDuplicateSessionID
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.SessionID)
		return fmt.Errorf("failed to insert session %s: %w", sess.SessionID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.SessionID, "contactID", sess.ContactID)
	return nil
}

// UpdateSession updates the stored session with the same id.
func (s *PostgresStore) UpdateSession(sess *models.Session) error {
	contextJSON, err := marshalStringMap(sess.ContextData)
	if err != nil {
		return err
	}
	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	_, err = s.db.Exec(`UPDATE sessions SET status = $1, current_step = $2, context_data = $3, last_activity = $4, completed_at = $5, error_message = $6, is_active = $7
		WHERE id = $8`,
		sess.Status, sess.CurrentStep, nilIfEmpty(contextJSON), sess.LastActivity,
		completedAt, nilIfEmpty(sess.ErrorMessage), sess.IsActive, sess.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "sessionID", sess.SessionID)
		return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
	}
	return nil
}

// PauseActiveSessions moves all of the contact's active sessions to paused.
func (s *PostgresStore) PauseActiveSessions(contactID int64) (int, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = $1 WHERE contact_id = $2 AND status = $3 AND is_active`,
		models.SessionStatusPaused, contactID, models.SessionStatusActive)
	if err != nil {
		slog.Error("PostgresStore PauseActiveSessions failed", "error", err, "contactID", contactID)
		return 0, fmt.Errorf("failed to pause sessions for contact %d: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeactivateSessionsBefore soft-deletes sessions whose last_activity is at or
// before cutoff. The boundary is inclusive.
func (s *PostgresStore) DeactivateSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE sessions SET is_active = FALSE WHERE is_active AND last_activity <= $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeactivateSessionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to deactivate old sessions: %w", err)
	}
	n, err := res.RowsAffected()
	slog.Debug("PostgresStore DeactivateSessionsBefore succeeded", "count", n)
	return int(n), err
}

// CountSessionsByStatus returns the number of active sessions with the status.
func (s *PostgresStore) CountSessionsByStatus(status models.SessionStatus) (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM sessions WHERE is_active AND status = $1`, status)
}

// CreateMessage stores a message unless its message_id was already recorded.
func (s *PostgresStore) CreateMessage(m *models.Message) (bool, error) {
	if m.MessageID == "" {
		return false, models.ErrEmptyMessageID
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.IsActive = true
	metadataJSON, err := marshalStringMap(m.Metadata)
	if err != nil {
		return false, err
	}
	err = s.db.QueryRow(`INSERT INTO messages (session_id, message_id, direction, message_type, content, timestamp, is_automated, metadata, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		ON CONFLICT (message_id) DO NOTHING RETURNING id`,
		m.SessionID, m.MessageID, m.Direction, m.Type, m.Content, m.Timestamp,
		m.IsAutomated, nilIfEmpty(metadataJSON), m.CreatedAt).Scan(&m.ID)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore CreateMessage duplicate ignored", "messageID", m.MessageID)
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore CreateMessage failed", "error", err, "messageID", m.MessageID)
		return false, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
	}
	return true, nil
}

// ListSessionMessages returns the session's active messages in insertion order.
func (s *PostgresStore) ListSessionMessages(sessionID int64) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, message_id, direction, message_type, content, timestamp, is_automated, metadata, is_active, created_at
		FROM messages WHERE session_id = $1 AND is_active ORDER BY id`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListSessionMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CountMessagesSince counts active messages created at or after since.
func (s *PostgresStore) CountMessagesSince(since time.Time, automatedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE is_active AND created_at >= $1`
	if automatedOnly {
		query += ` AND is_automated`
	}
	return s.countRows(query, since)
}

// GetTemplateByStep returns the active template for the step (lowest id), or nil.
func (s *PostgresStore) GetTemplateByStep(step int) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, name, step_number, content, delay_seconds, is_active, created_at, updated_at
		FROM templates WHERE step_number = $1 AND is_active ORDER BY id LIMIT 1`, step)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTemplateByStep failed", "error", err, "step", step)
		return nil, fmt.Errorf("failed to get template for step %d: %w", step, err)
	}
	return t, nil
}

// CreateTemplate stores a new template, enforcing one active template per step.
func (s *PostgresStore) CreateTemplate(t *models.Template) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.IsActive = true
	err := s.db.QueryRow(`INSERT INTO templates (name, step_number, content, delay_seconds, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6) RETURNING id`,
		t.Name, t.StepNumber, t.Content, t.DelaySeconds, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return models.ErrDuplicateTemplateStep
		}
		slog.Error("PostgresStore CreateTemplate failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert template %s: %w", t.Name, err)
	}
	return nil
}

// UpdateTemplate updates the stored template with the same id.
func (s *PostgresStore) UpdateTemplate(t *models.Template) error {
	t.UpdatedAt = time.Now()
	_, err := s.db.Exec(`UPDATE templates SET name = $1, step_number = $2, content = $3, delay_seconds = $4, is_active = $5, updated_at = $6
		WHERE id = $7`,
		t.Name, t.StepNumber, t.Content, t.DelaySeconds, t.IsActive, t.UpdatedAt, t.ID)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return models.ErrDuplicateTemplateStep
		}
		slog.Error("PostgresStore UpdateTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update template %d: %w", t.ID, err)
	}
	return nil
}

// ListTemplates returns all active templates ordered by step number.
func (s *PostgresStore) ListTemplates() ([]models.Template, error) {
	rows, err := s.db.Query(`SELECT id, name, step_number, content, delay_seconds, is_active, created_at, updated_at
		FROM templates WHERE is_active ORDER BY step_number`)
	if err != nil {
		slog.Error("PostgresStore ListTemplates query failed", "error", err)
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

// GetConfigValue returns the stored value for key, if any.
func (s *PostgresStore) GetConfigValue(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = $1 AND is_active`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConfigValue failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfigValue upserts a config key with last-write-wins semantics.
func (s *PostgresStore) SetConfigValue(key, value, updatedBy string) error {
	_, err := s.db.Exec(`INSERT INTO config (key, value, updated_by, is_active, updated_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, is_active = TRUE, updated_at = EXCLUDED.updated_at`,
		key, value, updatedBy, time.Now())
	if err != nil {
		slog.Error("PostgresStore SetConfigValue failed", "error", err, "key", key)
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	slog.Debug("PostgresStore SetConfigValue succeeded", "key", key)
	return nil
}

// ListConfig returns all active config entries sorted by key.
func (s *PostgresStore) ListConfig() ([]models.ConfigEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_by, is_active, updated_at FROM config WHERE is_active ORDER BY key`)
	if err != nil {
		slog.Error("PostgresStore ListConfig query failed", "error", err)
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	var entries []models.ConfigEntry
	for rows.Next() {
		var e models.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedBy, &e.IsActive, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddLogEntry appends an activity log record.
func (s *PostgresStore) AddLogEntry(e *models.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	metadataJSON, err := marshalStringMap(e.Metadata)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(`INSERT INTO activity_log (level, message, session_id, contact_id, metadata, timestamp, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE) RETURNING id`,
		e.Level, e.Message, nilIfNilInt64(e.SessionID), nilIfNilInt64(e.ContactID),
		nilIfEmpty(metadataJSON), e.Timestamp).Scan(&e.ID)
	if err != nil {
		slog.Error("PostgresStore AddLogEntry failed", "error", err)
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns up to limit log records, newest first.
func (s *PostgresStore) ListLogEntries(limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, level, message, session_id, contact_id, metadata, timestamp, is_active
		FROM activity_log WHERE is_active ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListLogEntries query failed", "error", err)
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
