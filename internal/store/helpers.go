package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hoztech/whatsflow/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilInt64 returns nil if id is nil, otherwise the pointed-to value.
func nilIfNilInt64(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// marshalStringMap converts a string map to its JSON column representation.
// A nil or empty map becomes an empty string (stored as NULL).
func marshalStringMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata failed: %w", err)
	}
	return string(b), nil
}

// unmarshalStringMap converts a JSON column back to a string map.
// Corrupt JSON yields an empty map rather than a hard failure.
func unmarshalStringMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		slog.Error("store: failed to unmarshal metadata column, continuing with empty map", "error", err)
		return make(map[string]string)
	}
	return m
}

// scanContact scans a Contact from a contacts row.
func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.IsMyContact, &c.IsBlocked,
		&c.Notes, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// scanSession scans a Session from a sessions row.
func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var contextJSON, errorMessage sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ContactID, &sess.SessionID, &sess.Status,
		&sess.CurrentStep, &contextJSON, &sess.StartedAt, &sess.LastActivity,
		&completedAt, &errorMessage, &sess.IsActive)
	if err != nil {
		return nil, err
	}
	sess.ContextData = unmarshalStringMap(contextJSON.String)
	sess.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// scanMessage scans a Message from a messages row.
func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var metadataJSON sql.NullString
	err := row.Scan(&m.ID, &m.SessionID, &m.MessageID, &m.Direction, &m.Type,
		&m.Content, &m.Timestamp, &m.IsAutomated, &metadataJSON, &m.IsActive, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Metadata = unmarshalStringMap(metadataJSON.String)
	return &m, nil
}

// scanTemplate scans a Template from a templates row.
func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	err := row.Scan(&t.ID, &t.Name, &t.StepNumber, &t.Content, &t.DelaySeconds,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanLogEntry scans a LogEntry from an activity_log row.
func scanLogEntry(row rowScanner) (*models.LogEntry, error) {
	var e models.LogEntry
	var sessionID, contactID sql.NullInt64
	var metadataJSON sql.NullString
	err := row.Scan(&e.ID, &e.Level, &e.Message, &sessionID, &contactID,
		&metadataJSON, &e.Timestamp, &e.IsActive)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		e.SessionID = &sessionID.Int64
	}
	if contactID.Valid {
		e.ContactID = &contactID.Int64
	}
	e.Metadata = unmarshalStringMap(metadataJSON.String)
	return &e, nil
}
