// Package store provides storage backends for WhatsFlow.
//
// It defines the Store interface consumed by the engine and the API server,
// with an in-memory implementation for tests and development, and persistent
// SQLite and PostgreSQL implementations.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/hoztech/whatsflow/internal/models"
)

// Sentinel errors shared across backends.
var (
	// ErrDuplicateSessionID indicates a session insert collided on session_id.
	// Callers retry with a disambiguated id.
	ErrDuplicateSessionID = errors.New("session id already exists")
)

// Store is the persistence contract for contacts, sessions, messages,
// templates, runtime config and the append-only activity log.
//
// Lookup methods return (nil, nil) when no row matches, so callers can
// distinguish absence from storage failure.
type Store interface {
	// Contacts
	GetContact(phoneNumber string) (*models.Contact, error)
	CreateContact(c *models.Contact) error
	UpdateContact(c *models.Contact) error
	ListContacts() ([]models.Contact, error)
	CountContacts() (int, error)
	CountFilteredContacts() (int, error)
	CountBlockedContacts() (int, error)

	// Sessions
	// GetActiveSession returns the most recently active session for the
	// contact with status=active and last_activity >= activeSince.
	GetActiveSession(contactID int64, activeSince time.Time) (*models.Session, error)
	CreateSession(s *models.Session) error
	UpdateSession(s *models.Session) error
	PauseActiveSessions(contactID int64) (int, error)
	// DeactivateSessionsBefore soft-deletes sessions whose last_activity is at
	// or before cutoff (inclusive boundary) and returns the affected count.
	DeactivateSessionsBefore(cutoff time.Time) (int, error)
	CountSessionsByStatus(status models.SessionStatus) (int, error)

	// Messages
	// CreateMessage stores a message keyed by its external message_id.
	// It reports created=false when that id was already stored, without
	// creating a duplicate row.
	CreateMessage(m *models.Message) (created bool, err error)
	ListSessionMessages(sessionID int64) ([]models.Message, error)
	CountMessagesSince(since time.Time, automatedOnly bool) (int, error)

	// Templates
	// GetTemplateByStep returns the active template for the step, picking the
	// lowest id when storage predates the uniqueness constraint.
	GetTemplateByStep(step int) (*models.Template, error)
	CreateTemplate(t *models.Template) error
	UpdateTemplate(t *models.Template) error
	ListTemplates() ([]models.Template, error)

	// Config
	GetConfigValue(key string) (value string, found bool, err error)
	SetConfigValue(key, value, updatedBy string) error
	ListConfig() ([]models.ConfigEntry, error)

	// Activity log
	AddLogEntry(e *models.LogEntry) error
	ListLogEntries(limit int) ([]models.LogEntry, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN configures the store to use SQLite with the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures the store to use PostgreSQL with the given DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
