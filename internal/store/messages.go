// ABOUTME: Message persistence: append, ordered listing, status updates and read tracking
// ABOUTME: Also holds pending status updates that arrive before their outbound message

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, contact_id, direction, content, timestamp, status, is_read, provider_message_id, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var direction string
	var status, providerID sql.NullString
	var timestamp, createdAt int64

	if err := row.Scan(&m.ID, &m.ContactID, &direction, &m.Content, &timestamp, &status, &m.IsRead, &providerID, &createdAt); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Status = Status(status.String)
	m.ProviderMessageID = providerID.String
	m.Timestamp = fromMillis(timestamp)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// AppendMessage inserts a message. ID and CreatedAt are filled in when empty.
// A second message with the same provider ID for the same contact fails with
// a constraint violation.
func (t *sqlTx) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ContactID == "" {
		return errors.New("message contact ID is required")
	}
	if msg.Content == "" {
		return errors.New("message content is required")
	}
	if msg.Direction != DirectionInbound && msg.Direction != DirectionOutbound {
		return fmt.Errorf("invalid message direction %q", msg.Direction)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO messages (id, contact_id, direction, content, timestamp, status, is_read, provider_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ContactID,
		string(msg.Direction),
		msg.Content,
		toMillis(msg.Timestamp),
		nullString(string(msg.Status)),
		msg.IsRead,
		nullString(msg.ProviderMessageID),
		toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	t.logger.Debug("saved message", "id", msg.ID, "contact_id", msg.ContactID, "direction", msg.Direction)
	return nil
}

// ListMessages returns all messages for a contact in ascending timestamp order.
// An unknown contact yields an empty slice.
func (t *sqlTx) ListMessages(ctx context.Context, contactID string) ([]*Message, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE contact_id = ?
		ORDER BY timestamp ASC, seq ASC
	`, contactID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// HasProviderMessage reports whether the contact already has a message with the provider ID.
func (t *sqlTx) HasProviderMessage(ctx context.Context, contactID, providerMessageID string) (bool, error) {
	var exists int
	err := t.q.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE contact_id = ? AND provider_message_id = ?`,
		contactID, providerMessageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking provider message: %w", err)
	}
	return true, nil
}

// FindOutboundByProviderID returns the most recent outbound message carrying
// the provider ID. Inbound messages never match; their status is not driven by
// delivery receipts.
// Returns ErrNotFound if none does.
func (t *sqlTx) FindOutboundByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider_message_id = ? AND direction = ?
		ORDER BY seq DESC
		LIMIT 1
	`, providerMessageID, DirectionOutbound)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by provider ID: %w", err)
	}
	return m, nil
}

// LatestOutboundWithoutProviderID finds the most recently created outbound
// message that has no provider ID and whose status differs from excluding.
// An empty contactID searches all contacts. Returns ErrNotFound if none match.
func (t *sqlTx) LatestOutboundWithoutProviderID(ctx context.Context, contactID string, excluding Status) (*Message, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE direction = 'outbound'
		  AND provider_message_id IS NULL
		  AND (status IS NULL OR status <> ?)
		  AND (? = '' OR contact_id = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(excluding), contactID, contactID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest outbound message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus sets the delivery status of a message in place.
// Returns ErrNotFound if the message doesn't exist.
func (t *sqlTx) UpdateMessageStatus(ctx context.Context, messageID string, status Status) error {
	if status.Rank() == 0 {
		return fmt.Errorf("invalid status %q", status)
	}
	result, err := t.q.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return requireAffected(result)
}

// MarkAllInboundRead flags every unread inbound message of the contact as read.
func (t *sqlTx) MarkAllInboundRead(ctx context.Context, contactID string) (int64, error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE contact_id = ? AND direction = 'inbound' AND is_read = 0
	`, contactID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMessages removes every message of the contact.
func (t *sqlTx) DeleteMessages(ctx context.Context, contactID string) (int64, error) {
	result, err := t.q.ExecContext(ctx, `DELETE FROM messages WHERE contact_id = ?`, contactID)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return result.RowsAffected()
}

// PutPendingStatus remembers a status update whose message is not known yet.
// The highest-ranked status wins when several arrive. Entries older than a
// day are dropped.
func (t *sqlTx) PutPendingStatus(ctx context.Context, providerMessageID string, status Status, receivedAt time.Time) error {
	if status.Rank() == 0 {
		return fmt.Errorf("invalid status %q", status)
	}

	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM pending_statuses WHERE received_at < ?`,
		toMillis(receivedAt.Add(-pendingStatusTTL))); err != nil {
		return fmt.Errorf("purging pending statuses: %w", err)
	}

	var current string
	err := t.q.QueryRowContext(ctx,
		`SELECT status FROM pending_statuses WHERE provider_message_id = ?`,
		providerMessageID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("querying pending status: %w", err)
	}
	if err == nil && !status.Supersedes(Status(current)) {
		return nil
	}

	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO pending_statuses (provider_message_id, status, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_message_id) DO UPDATE SET status = excluded.status, received_at = excluded.received_at
	`, providerMessageID, string(status), toMillis(receivedAt)); err != nil {
		return fmt.Errorf("saving pending status: %w", err)
	}
	return nil
}

// TakePendingStatus removes and returns the pending status for the provider ID.
func (t *sqlTx) TakePendingStatus(ctx context.Context, providerMessageID string) (Status, bool, error) {
	var status string
	err := t.q.QueryRowContext(ctx,
		`SELECT status FROM pending_statuses WHERE provider_message_id = ?`,
		providerMessageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying pending status: %w", err)
	}

	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM pending_statuses WHERE provider_message_id = ?`, providerMessageID); err != nil {
		return "", false, fmt.Errorf("deleting pending status: %w", err)
	}
	return Status(status), true, nil
}

// ListMessages returns a contact's messages in ascending timestamp order without side effects.
func (s *SQLiteStore) ListMessages(ctx context.Context, contactID string) ([]*Message, error) {
	return s.direct().ListMessages(ctx, contactID)
}

// OpenConversation returns the contact's messages and, in the same
// transaction, marks its inbound messages read and resets its unread counter.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) OpenConversation(ctx context.Context, contactID string) ([]*Message, error) {
	var messages []*Message
	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetContact(ctx, contactID); err != nil {
			return err
		}
		var err error
		messages, err = tx.ListMessages(ctx, contactID)
		if err != nil {
			return err
		}
		if _, err := tx.MarkAllInboundRead(ctx, contactID); err != nil {
			return err
		}
		return tx.ResetUnread(ctx, contactID)
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkContactRead marks all inbound messages read and resets the unread counter.
// Calling it repeatedly has the same effect as calling it once.
func (s *SQLiteStore) MarkContactRead(ctx context.Context, contactID string) error {
	return s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.MarkAllInboundRead(ctx, contactID); err != nil {
			return err
		}
		return tx.ResetUnread(ctx, contactID)
	})
}

// ClearHistory deletes all messages of the contact and resets its unread
// counter; the contact itself remains.
func (s *SQLiteStore) ClearHistory(ctx context.Context, contactID string) error {
	var removed int64
	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetContact(ctx, contactID); err != nil {
			return err
		}
		var err error
		if removed, err = tx.DeleteMessages(ctx, contactID); err != nil {
			return err
		}
		return tx.ResetUnread(ctx, contactID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("cleared history", "contact_id", contactID, "removed", removed)
	return nil
}

// RecordOutbound appends a sent message to the contact, bumps its last
// activity to the send time and applies any status update that arrived
// before the message was recorded.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) RecordOutbound(ctx context.Context, rec OutboundRecord) (*Message, error) {
	msg := &Message{
		ContactID:         rec.ContactID,
		Direction:         DirectionOutbound,
		Content:           rec.Content,
		Timestamp:         rec.SentAt,
		Status:            StatusSent,
		IsRead:            true,
		ProviderMessageID: rec.ProviderMessageID,
		CreatedAt:         rec.SentAt,
	}

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetContact(ctx, rec.ContactID); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		if rec.ProviderMessageID != "" {
			pending, ok, err := tx.TakePendingStatus(ctx, rec.ProviderMessageID)
			if err != nil {
				return err
			}
			if ok && pending.Supersedes(msg.Status) {
				if err := tx.UpdateMessageStatus(ctx, msg.ID, pending); err != nil {
					return err
				}
				msg.Status = pending
			}
		}
		return tx.TouchContact(ctx, rec.ContactID, rec.SentAt)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
