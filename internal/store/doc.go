// Package store provides persistent storage for the inbox using SQLite.
//
// # Architecture
//
// ConversationStore is the single writer of truth for contacts and messages.
// Multi-step updates go through InTx, which hands the caller a Tx whose
// operations all run inside one SQL transaction:
//
//	err := s.InTx(ctx, func(tx store.Tx) error {
//		c, created, err := tx.UpsertContactByExternalID(ctx, up)
//		...
//		return tx.AppendMessage(ctx, msg)
//	})
//
// SQLiteStore implements ConversationStore and AdminStore in a single struct.
//
// # Data Models
//
//   - Contact: participant keyed by a unique external ID (phone number)
//   - Message: inbound/outbound content with delivery status and read flag
//   - pending_statuses: status updates that arrived before their outbound message
//   - AdminUser: dashboard operator with a bcrypt password hash
//
// Deleting a contact cascades to its messages via a foreign key.
//
// # Ordering
//
// Message timestamps are stored as Unix milliseconds. Messages for a contact
// are ordered by timestamp, then by insertion sequence.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The connection pool is limited to a single connection so transactions are
// serialised and ":memory:" databases survive across calls.
//
// # Error Handling
//
//   - ErrNotFound: requested contact or message does not exist
//   - ErrContactExists: explicit create for an external ID that is taken
//   - ErrUsernameExists: duplicate admin username
package store
