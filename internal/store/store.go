// ABOUTME: Store interfaces and data types for inbox-gateway persistence
// ABOUTME: Defines Contact, Message, delivery statuses and the transactional store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrContactExists is returned when explicitly creating a contact whose external ID is taken
var ErrContactExists = errors.New("contact already exists")

// ErrUsernameExists is returned when trying to create an admin user with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// Direction tags a message as received from or sent to the contact
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery status of a message. The zero value means unknown (NULL).
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ParseStatus converts a provider status string into a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Rank() > 0
}

// Rank orders statuses so that late or redelivered updates never move a
// message backwards. Failed is terminal. Unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

// Supersedes reports whether s should replace the current status.
func (s Status) Supersedes(current Status) bool {
	return s.Rank() > current.Rank()
}

// Contact is a conversation participant identified by a stable external address
type Contact struct {
	ID          string
	ExternalID  string // phone number, unique
	Name        string // empty when unknown
	UnreadCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time // last activity

	// LastMessage is populated by ListContacts only
	LastMessage *Message
}

// Message is one unit of conversation content
type Message struct {
	ID                string
	ContactID         string
	Direction         Direction
	Content           string
	Timestamp         time.Time
	Status            Status // empty when unknown
	IsRead            bool
	ProviderMessageID string // empty when the provider id was never recorded
	CreatedAt         time.Time
}

// ContactUpsert describes an insert-or-refresh of a contact keyed by external ID
type ContactUpsert struct {
	ExternalID string
	Name       string    // refreshes the stored name when non-empty
	ActivityAt time.Time // last-activity never moves backwards
	// InitialUnread is the unread counter for a freshly created contact
	InitialUnread int
}

// OutboundRecord is a successfully dispatched message to persist
type OutboundRecord struct {
	ContactID         string
	Content           string
	ProviderMessageID string
	SentAt            time.Time
}

// Tx exposes the conversation operations that run inside a single transaction.
// Implementations are not safe for use after the transaction function returns.
type Tx interface {
	GetContact(ctx context.Context, id string) (*Contact, error)
	GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error)
	// UpsertContactByExternalID returns the contact and whether it was created.
	UpsertContactByExternalID(ctx context.Context, up ContactUpsert) (*Contact, bool, error)
	TouchContact(ctx context.Context, contactID string, at time.Time) error
	IncrementUnread(ctx context.Context, contactID string) error
	ResetUnread(ctx context.Context, contactID string) error
	DeleteContact(ctx context.Context, contactID string) error

	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, contactID string) ([]*Message, error)
	HasProviderMessage(ctx context.Context, contactID, providerMessageID string) (bool, error)
	FindOutboundByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	LatestOutboundWithoutProviderID(ctx context.Context, contactID string, excluding Status) (*Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status Status) error
	MarkAllInboundRead(ctx context.Context, contactID string) (int64, error)
	DeleteMessages(ctx context.Context, contactID string) (int64, error)

	PutPendingStatus(ctx context.Context, providerMessageID string, status Status, receivedAt time.Time) error
	TakePendingStatus(ctx context.Context, providerMessageID string) (Status, bool, error)
}

// ConversationStore is the persisted contact/message relation. Every
// mutating method is atomic with respect to concurrent readers.
type ConversationStore interface {
	// InTx runs fn in one transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetContact(ctx context.Context, id string) (*Contact, error)
	GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error)
	CreateContact(ctx context.Context, externalID, name string) (*Contact, error)
	ListContacts(ctx context.Context, search string) ([]*Contact, error)

	// ListMessages is a pure query in ascending timestamp order.
	ListMessages(ctx context.Context, contactID string) ([]*Message, error)
	// OpenConversation lists messages and marks the contact read in one transaction.
	OpenConversation(ctx context.Context, contactID string) ([]*Message, error)
	MarkContactRead(ctx context.Context, contactID string) error
	ClearHistory(ctx context.Context, contactID string) error
	DeleteContact(ctx context.Context, contactID string) error

	RecordOutbound(ctx context.Context, rec OutboundRecord) (*Message, error)

	Close() error
}

// AdminUser is an operator allowed to use the dashboard API
type AdminUser struct {
	ID           string
	Username     string
	PasswordHash string // bcrypt hash
	CreatedAt    time.Time
}

// AdminStore defines persistence for dashboard operators
type AdminStore interface {
	CreateAdminUser(ctx context.Context, user *AdminUser) error
	GetAdminUser(ctx context.Context, id string) (*AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error)
	CountAdminUsers(ctx context.Context) (int, error)
}
