// Package store provides storage backends for WhatsFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/hoztech/whatsflow/internal/models"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists chatbot state in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// isSQLiteUniqueViolation reports whether err is a unique-constraint failure.
func isSQLiteUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetContact returns the active contact with the given phone number, or nil.
func (s *SQLiteStore) GetContact(phoneNumber string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at
		FROM contacts WHERE phone_number = ? AND is_active = 1`, phoneNumber)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get contact %s: %w", phoneNumber, err)
	}
	return c, nil
}

// CreateContact stores a new contact and assigns its id.
func (s *SQLiteStore) CreateContact(c *models.Contact) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.IsActive = true
	res, err := s.db.Exec(`INSERT INTO contacts (phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		c.PhoneNumber, c.Name, c.IsMyContact, c.IsBlocked, c.Notes, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateContact failed", "error", err, "phone", c.PhoneNumber)
		return fmt.Errorf("failed to insert contact %s: %w", c.PhoneNumber, err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read contact id: %w", err)
	}
	slog.Debug("SQLiteStore CreateContact succeeded", "phone", c.PhoneNumber, "id", c.ID)
	return nil
}

// UpdateContact updates the stored contact with the same id.
func (s *SQLiteStore) UpdateContact(c *models.Contact) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.Exec(`UPDATE contacts SET name = ?, is_my_contact = ?, is_blocked = ?, notes = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.IsMyContact, c.IsBlocked, c.Notes, c.IsActive, c.UpdatedAt, c.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update contact %d: %w", c.ID, err)
	}
	return nil
}

// ListContacts returns all active contacts, most recently updated first.
func (s *SQLiteStore) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, name, is_my_contact, is_blocked, notes, is_active, created_at, updated_at
		FROM contacts WHERE is_active = 1 ORDER BY updated_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListContacts query failed", "error", err)
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
func (s *SQLiteStore) CountContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active = 1`)
}

// CountFilteredContacts returns the number of active contacts marked as the
// operator's own.
func (s *SQLiteStore) CountFilteredContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active = 1 AND is_my_contact = 1`)
}

// CountBlockedContacts returns the number of active blocked contacts.
func (s *SQLiteStore) CountBlockedContacts() (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM contacts WHERE is_active = 1 AND is_blocked = 1`)
}

func (s *SQLiteStore) countRows(query string, args ...interface{}) (int, error) {
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		slog.Error("SQLiteStore count query failed", "error", err)
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return count, nil
}

// GetActiveSession returns the contact's most recently active session with
// status=active and last_activity at or after activeSince, or nil.
func (s *SQLiteStore) GetActiveSession(contactID int64, activeSince time.Time) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, session_id, status, current_step, context_data, started_at, last_activity, completed_at, error_message, is_active
		FROM sessions
		WHERE contact_id = ? AND status = ? AND is_active = 1 AND last_activity >= ?
		ORDER BY last_activity DESC LIMIT 1`,
		contactID, models.SessionStatusActive, activeSince)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to get active session for contact %d: %w", contactID, err)
	}
	return sess, nil
}

// CreateSession stores a new session and assigns its id. Returns
// ErrDuplicateSessionID when the session_id is already taken.
func (s *SQLiteStore) CreateSession(sess *models.Session) error {
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
	res, err := s.db.Exec(`INSERT INTO sessions (contact_id, session_id, status, current_step, context_data, started_at, last_activity, completed_at, error_message, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, 1)`,
		sess.ContactID, sess.SessionID, sess.Status, sess.CurrentStep,
		nilIfEmpty(contextJSON), sess.StartedAt, sess.LastActivity)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicateSessionID
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.SessionID)
		return fmt.Errorf("failed to insert session %s: %w", sess.SessionID, err)
	}
	sess.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.SessionID, "contactID", sess.ContactID)
	return nil
}

// UpdateSession updates the stored session with the same id.
func (s *SQLiteStore) UpdateSession(sess *models.Session) error {
	contextJSON, err := marshalStringMap(sess.ContextData)
	if err != nil {
		return err
	}
	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	_, err = s.db.Exec(`UPDATE sessions SET status = ?, current_step = ?, context_data = ?, last_activity = ?, completed_at = ?, error_message = ?, is_active = ?
		WHERE id = ?`,
		sess.Status, sess.CurrentStep, nilIfEmpty(contextJSON), sess.LastActivity,
		completedAt, nilIfEmpty(sess.ErrorMessage), sess.IsActive, sess.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "sessionID", sess.SessionID)
		return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
	}
	return nil
}

// PauseActiveSessions moves all of the contact's active sessions to paused.
func (s *SQLiteStore) PauseActiveSessions(contactID int64) (int, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE contact_id = ? AND status = ? AND is_active = 1`,
		models.SessionStatusPaused, contactID, models.SessionStatusActive)
	if err != nil {
		slog.Error("SQLiteStore PauseActiveSessions failed", "error", err, "contactID", contactID)
		return 0, fmt.Errorf("failed to pause sessions for contact %d: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeactivateSessionsBefore soft-deletes sessions whose last_activity is at or
// before cutoff. The boundary is inclusive.
func (s *SQLiteStore) DeactivateSessionsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND last_activity <= ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeactivateSessionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to deactivate old sessions: %w", err)
	}
	n, err := res.RowsAffected()
	slog.Debug("SQLiteStore DeactivateSessionsBefore succeeded", "count", n)
	return int(n), err
}

// CountSessionsByStatus returns the number of active sessions with the status.
func (s *SQLiteStore) CountSessionsByStatus(status models.SessionStatus) (int, error) {
	return s.countRows(`SELECT COUNT(*) FROM sessions WHERE is_active = 1 AND status = ?`, status)
}

// CreateMessage stores a message unless its message_id was already recorded.
func (s *SQLiteStore) CreateMessage(m *models.Message) (bool, error) {
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
	res, err := s.db.Exec(`INSERT OR IGNORE INTO messages (session_id, message_id, direction, message_type, content, timestamp, is_automated, metadata, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		m.SessionID, m.MessageID, m.Direction, m.Type, m.Content, m.Timestamp,
		m.IsAutomated, nilIfEmpty(metadataJSON), m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateMessage failed", "error", err, "messageID", m.MessageID)
		return false, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		slog.Debug("SQLiteStore CreateMessage duplicate ignored", "messageID", m.MessageID)
		return false, nil
	}
	m.ID, _ = res.LastInsertId()
	return true, nil
}

// ListSessionMessages returns the session's active messages in insertion order.
func (s *SQLiteStore) ListSessionMessages(sessionID int64) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, message_id, direction, message_type, content, timestamp, is_automated, metadata, is_active, created_at
		FROM messages WHERE session_id = ? AND is_active = 1 ORDER BY id`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListSessionMessages query failed", "error", err, "sessionID", sessionID)
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
func (s *SQLiteStore) CountMessagesSince(since time.Time, automatedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE is_active = 1 AND created_at >= ?`
	if automatedOnly {
		query += ` AND is_automated = 1`
	}
	return s.countRows(query, since)
}

// GetTemplateByStep returns the active template for the step (lowest id), or nil.
func (s *SQLiteStore) GetTemplateByStep(step int) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, name, step_number, content, delay_seconds, is_active, created_at, updated_at
		FROM templates WHERE step_number = ? AND is_active = 1 ORDER BY id LIMIT 1`, step)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTemplateByStep failed", "error", err, "step", step)
		return nil, fmt.Errorf("failed to get template for step %d: %w", step, err)
	}
	return t, nil
}

// CreateTemplate stores a new template, enforcing one active template per step.
func (s *SQLiteStore) CreateTemplate(t *models.Template) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.IsActive = true
	res, err := s.db.Exec(`INSERT INTO templates (name, step_number, content, delay_seconds, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		t.Name, t.StepNumber, t.Content, t.DelaySeconds, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return models.ErrDuplicateTemplateStep
		}
		slog.Error("SQLiteStore CreateTemplate failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert template %s: %w", t.Name, err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read template id: %w", err)
	}
	return nil
}

// UpdateTemplate updates the stored template with the same id.
func (s *SQLiteStore) UpdateTemplate(t *models.Template) error {
	t.UpdatedAt = time.Now()
	_, err := s.db.Exec(`UPDATE templates SET name = ?, step_number = ?, content = ?, delay_seconds = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.StepNumber, t.Content, t.DelaySeconds, t.IsActive, t.UpdatedAt, t.ID)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return models.ErrDuplicateTemplateStep
		}
		slog.Error("SQLiteStore UpdateTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update template %d: %w", t.ID, err)
	}
	return nil
}

// ListTemplates returns all active templates ordered by step number.
func (s *SQLiteStore) ListTemplates() ([]models.Template, error) {
	rows, err := s.db.Query(`SELECT id, name, step_number, content, delay_seconds, is_active, created_at, updated_at
		FROM templates WHERE is_active = 1 ORDER BY step_number`)
	if err != nil {
		slog.Error("SQLiteStore ListTemplates query failed", "error", err)
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
func (s *SQLiteStore) GetConfigValue(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ? AND is_active = 1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConfigValue failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfigValue upserts a config key with last-write-wins semantics.
func (s *SQLiteStore) SetConfigValue(key, value, updatedBy string) error {
	_, err := s.db.Exec(`INSERT INTO config (key, value, updated_by, is_active, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_by = excluded.updated_by, is_active = 1, updated_at = excluded.updated_at`,
		key, value, updatedBy, time.Now())
	if err != nil {
		slog.Error("SQLiteStore SetConfigValue failed", "error", err, "key", key)
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	slog.Debug("SQLiteStore SetConfigValue succeeded", "key", key)
	return nil
}

// ListConfig returns all active config entries sorted by key.
func (s *SQLiteStore) ListConfig() ([]models.ConfigEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_by, is_active, updated_at FROM config WHERE is_active = 1 ORDER BY key`)
	if err != nil {
		slog.Error("SQLiteStore ListConfig query failed", "error", err)
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
func (s *SQLiteStore) AddLogEntry(e *models.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	metadataJSON, err := marshalStringMap(e.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO activity_log (level, message, session_id, contact_id, metadata, timestamp, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		e.Level, e.Message, nilIfNilInt64(e.SessionID), nilIfNilInt64(e.ContactID),
		nilIfEmpty(metadataJSON), e.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddLogEntry failed", "error", err)
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListLogEntries returns up to limit log records, newest first.
func (s *SQLiteStore) ListLogEntries(limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, level, message, session_id, contact_id, metadata, timestamp, is_active
		FROM activity_log WHERE is_active = 1 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListLogEntries query failed", "error", err)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
