// ABOUTME: Service layer for operator actions on the inbox: reads, sends and history management
// ABOUTME: Sends dispatch first and persist only on success; committed changes are announced

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/inbox-gateway/internal/dedupe"
	"github.com/2389/inbox-gateway/internal/notify"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// ValidationError reports a malformed operator request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Dispatcher delivers a text message to a recipient and returns the provider message id
type Dispatcher interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// Service coordinates the store, the outbound channel and change notifications.
type Service struct {
	store    store.ConversationStore
	sender   Dispatcher
	notifier notify.Notifier
	seen     *dedupe.Cache
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier announces committed changes to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithDedupe lets the service drop cached ingest keys when history is removed.
func WithDedupe(c *dedupe.Cache) Option {
	return func(s *Service) { s.seen = c }
}

// WithClock overrides the time source used for send timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a conversation service.
func New(st store.ConversationStore, sender Dispatcher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    st,
		sender:   sender,
		notifier: notify.Discard{},
		now:      time.Now,
		logger:   logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest is an operator's request to send a text message.
type SendRequest struct {
	To        string
	Message   string
	ContactID string // optional; when set the sent message is recorded on this contact
}

// SendResult describes a successful send.
type SendResult struct {
	ProviderMessageID string
	Message           *store.Message // nil when no contact was given
}

// Send dispatches a text message. Nothing is persisted unless the provider
// accepts it. With a ContactID the message is recorded as outbound and the
// contact's last activity moves to the send time.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, &ValidationError{Field: "to", Message: "is required"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &ValidationError{Field: "message", Message: "is required"}
	}
	if whatsapp.NormalizeRecipient(req.To) == "" {
		return nil, &ValidationError{Field: "to", Message: "must contain a phone number"}
	}

	if req.ContactID != "" {
		if _, err := s.store.GetContact(ctx, req.ContactID); err != nil {
			return nil, err
		}
	}

	providerID, err := s.sender.Send(ctx, req.To, req.Message)
	if err != nil {
		return nil, err
	}
	sentAt := s.now().UTC()

	result := &SendResult{ProviderMessageID: providerID}
	if req.ContactID == "" {
		s.logger.Info("message sent", "provider_message_id", providerID)
		return result, nil
	}

	msg, err := s.store.RecordOutbound(ctx, store.OutboundRecord{
		ContactID:         req.ContactID,
		Content:           req.Message,
		ProviderMessageID: providerID,
		SentAt:            sentAt,
	})
	if err != nil {
		s.logger.Error("message sent but not recorded",
			"contact_id", req.ContactID,
			"provider_message_id", providerID,
			"error", err)
		return nil, fmt.Errorf("recording sent message: %w", err)
	}
	result.Message = msg

	s.logger.Info("message sent", "contact_id", req.ContactID, "provider_message_id", providerID)
	s.notifier.Notify(ctx, notify.Update{
		Kind:      notify.KindMessageCreated,
		ContactID: req.ContactID,
		MessageID: msg.ID,
		At:        sentAt,
	})
	return result, nil
}

// ListContacts returns contacts by most recent activity, optionally filtered.
func (s *Service) ListContacts(ctx context.Context, search string) ([]*store.Contact, error) {
	return s.store.ListContacts(ctx, search)
}

// CreateContact adds a contact explicitly. The external ID is normalized the
// way outbound recipients are, so it matches webhook sender addresses.
func (s *Service) CreateContact(ctx context.Context, externalID, name string) (*store.Contact, error) {
	normalized := whatsapp.NormalizeRecipient(externalID)
	if normalized == "" {
		return nil, &ValidationError{Field: "externalId", Message: "is required"}
	}

	c, err := s.store.CreateContact(ctx, normalized, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Update{Kind: notify.KindContactUpdated, ContactID: c.ID, At: s.now().UTC()})
	return c, nil
}

// OpenConversation returns a contact's messages oldest first and marks the
// contact read.
func (s *Service) OpenConversation(ctx context.Context, contactID string) ([]*store.Message, error) {
	msgs, err := s.store.OpenConversation(ctx, contactID)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Update{Kind: notify.KindContactRead, ContactID: contactID, At: s.now().UTC()})
	return msgs, nil
}

// MarkRead marks a contact's inbound messages read. Repeating it changes nothing.
func (s *Service) MarkRead(ctx context.Context, contactID string) error {
	if err := s.store.MarkContactRead(ctx, contactID); err != nil {
		return err
	}
	s.notifier.Notify(ctx, notify.Update{Kind: notify.KindContactRead, ContactID: contactID, At: s.now().UTC()})
	return nil
}

// ClearHistory deletes a contact's messages but keeps the contact.
func (s *Service) ClearHistory(ctx context.Context, contactID string) error {
	c, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return err
	}
	if err := s.store.ClearHistory(ctx, contactID); err != nil {
		return err
	}
	s.forget(c.ExternalID)
	s.notifier.Notify(ctx, notify.Update{Kind: notify.KindContactCleared, ContactID: contactID, At: s.now().UTC()})
	return nil
}

// DeleteContact removes a contact together with its messages.
func (s *Service) DeleteContact(ctx context.Context, contactID string) error {
	c, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteContact(ctx, contactID); err != nil {
		return err
	}
	s.forget(c.ExternalID)
	s.notifier.Notify(ctx, notify.Update{Kind: notify.KindContactDeleted, ContactID: contactID, At: s.now().UTC()})
	return nil
}

func (s *Service) forget(externalID string) {
	if s.seen != nil {
		s.seen.Forget(externalID)
	}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
