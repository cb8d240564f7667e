// ABOUTME: Change notifications emitted after conversation state is committed
// ABOUTME: Notifier fan-out plus the Update payload shared by SSE and NATS

package notify

import (
	"context"
	"time"
)

// Kind names what changed.
type Kind string

const (
	KindMessageCreated Kind = "message.created"
	KindMessageStatus  Kind = "message.status"
	KindContactUpdated Kind = "contact.updated"
	KindContactCleared Kind = "contact.cleared"
	KindContactDeleted Kind = "contact.deleted"
	KindContactRead    Kind = "contact.read"
)

// Update tells dashboards which contact to refetch. It carries ids only,
// never message content.
type Update struct {
	Kind      Kind      `json:"kind"`
	ContactID string    `json:"contactId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives committed updates. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, u Update)
}

// Fanout delivers each update to every notifier in order. Nil entries are skipped.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, u Update) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, u)
		}
	}
}

// Discard drops every update.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Update) {}
