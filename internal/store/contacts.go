// ABOUTME: Contact persistence: upsert by external ID, unread counters, listing and deletion
// ABOUTME: Store-level methods wrap multi-statement operations in a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const contactColumns = `id, external_id, name, unread_count, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var name sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&c.ID, &c.ExternalID, &name, &c.UnreadCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Name = name.String
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// GetContact retrieves a contact by ID.
// Returns ErrNotFound if the contact doesn't exist.
func (t *sqlTx) GetContact(ctx context.Context, id string) (*Contact, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return c, nil
}

// GetContactByExternalID retrieves a contact by its external address.
// Returns ErrNotFound if no contact uses it.
func (t *sqlTx) GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE external_id = ?`, externalID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact by external ID: %w", err)
	}
	return c, nil
}

// UpsertContactByExternalID creates the contact with up.InitialUnread unread
// messages, or refreshes the name and bumps last activity of an existing one.
// The unread counter of an existing contact is left untouched.
func (t *sqlTx) UpsertContactByExternalID(ctx context.Context, up ContactUpsert) (*Contact, bool, error) {
	if up.ExternalID == "" {
		return nil, false, errors.New("external ID is required")
	}
	if up.InitialUnread < 0 {
		return nil, false, errors.New("initial unread count must not be negative")
	}

	activity := toMillis(up.ActivityAt)
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO contacts (id, external_id, name, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, uuid.New().String(), up.ExternalID, nullString(up.Name), up.InitialUnread, activity, activity)
	if err != nil {
		return nil, false, fmt.Errorf("inserting contact: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	if inserted == 0 {
		if _, err := t.q.ExecContext(ctx, `
			UPDATE contacts
			SET name = COALESCE(?, name), updated_at = MAX(updated_at, ?)
			WHERE external_id = ?
		`, nullString(up.Name), activity, up.ExternalID); err != nil {
			return nil, false, fmt.Errorf("refreshing contact: %w", err)
		}
	}

	c, err := t.GetContactByExternalID(ctx, up.ExternalID)
	if err != nil {
		return nil, false, err
	}

	if inserted > 0 {
		t.logger.Debug("created contact", "id", c.ID, "external_id", c.ExternalID)
	}
	return c, inserted > 0, nil
}

// TouchContact advances the contact's last activity to at; it never moves backwards.
func (t *sqlTx) TouchContact(ctx context.Context, contactID string, at time.Time) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE contacts SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		toMillis(at), contactID)
	if err != nil {
		return fmt.Errorf("touching contact: %w", err)
	}
	return requireAffected(result)
}

// IncrementUnread adds exactly one to the contact's unread counter.
func (t *sqlTx) IncrementUnread(ctx context.Context, contactID string) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE contacts SET unread_count = unread_count + 1 WHERE id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("incrementing unread count: %w", err)
	}
	return requireAffected(result)
}

// ResetUnread sets the contact's unread counter to zero.
func (t *sqlTx) ResetUnread(ctx context.Context, contactID string) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE contacts SET unread_count = 0 WHERE id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("resetting unread count: %w", err)
	}
	return requireAffected(result)
}

// DeleteContact removes the contact; its messages are removed by the cascade.
func (t *sqlTx) DeleteContact(ctx context.Context, contactID string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	return requireAffected(result)
}

// GetContact retrieves a contact by ID.
func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	return s.direct().GetContact(ctx, id)
}

// GetContactByExternalID retrieves a contact by external address.
func (s *SQLiteStore) GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error) {
	return s.direct().GetContactByExternalID(ctx, externalID)
}

// CreateContact is the explicit admin path for adding a contact.
// Returns ErrContactExists if the external ID is already known.
func (s *SQLiteStore) CreateContact(ctx context.Context, externalID, name string) (*Contact, error) {
	now := time.Now().UTC()
	c := &Contact{
		ID:         uuid.New().String(),
		ExternalID: externalID,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, external_id, name, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, c.ID, c.ExternalID, nullString(c.Name), toMillis(now), toMillis(now))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrContactExists
		}
		return nil, fmt.Errorf("inserting contact: %w", err)
	}

	s.logger.Info("created contact", "id", c.ID, "external_id", c.ExternalID)
	return s.GetContact(ctx, c.ID)
}

// ListContacts returns contacts ordered by most recent activity, each with its
// latest message. A non-empty search keeps contacts whose name or external ID
// contains it, ignoring case.
func (s *SQLiteStore) ListContacts(ctx context.Context, search string) ([]*Contact, error) {
	query := `
		SELECT c.id, c.external_id, c.name, c.unread_count, c.created_at, c.updated_at,
		       m.id, m.direction, m.content, m.timestamp, m.status, m.is_read,
		       m.provider_message_id, m.created_at
		FROM contacts c
		LEFT JOIN messages m ON m.seq = (
			SELECT seq FROM messages
			WHERE contact_id = c.id
			ORDER BY timestamp DESC, seq DESC
			LIMIT 1
		)
		ORDER BY c.updated_at DESC, c.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	needle := strings.ToLower(strings.TrimSpace(search))

	contacts := make([]*Contact, 0)
	for rows.Next() {
		var c Contact
		var name sql.NullString
		var createdAt, updatedAt int64
		var msgID, msgDirection, msgContent, msgStatus, msgProviderID sql.NullString
		var msgTimestamp, msgCreatedAt sql.NullInt64
		var msgIsRead sql.NullBool

		if err := rows.Scan(
			&c.ID, &c.ExternalID, &name, &c.UnreadCount, &createdAt, &updatedAt,
			&msgID, &msgDirection, &msgContent, &msgTimestamp, &msgStatus, &msgIsRead,
			&msgProviderID, &msgCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}

		c.Name = name.String
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)

		if needle != "" && !matchesSearch(&c, needle) {
			continue
		}

		if msgID.Valid {
			c.LastMessage = &Message{
				ID:                msgID.String,
				ContactID:         c.ID,
				Direction:         Direction(msgDirection.String),
				Content:           msgContent.String,
				Timestamp:         fromMillis(msgTimestamp.Int64),
				Status:            Status(msgStatus.String),
				IsRead:            msgIsRead.Bool,
				ProviderMessageID: msgProviderID.String,
				CreatedAt:         fromMillis(msgCreatedAt.Int64),
			}
		}

		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}

	return contacts, nil
}

// matchesSearch reports whether the lower-cased needle occurs in the contact's name or external ID
func matchesSearch(c *Contact, needle string) bool {
	return strings.Contains(strings.ToLower(c.Name), needle) ||
		strings.Contains(strings.ToLower(c.ExternalID), needle)
}

// DeleteContact removes a contact and, by cascade, all of its messages.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) DeleteContact(ctx context.Context, contactID string) error {
	if err := s.direct().DeleteContact(ctx, contactID); err != nil {
		return err
	}
	s.logger.Info("deleted contact", "id", contactID)
	return nil
}
