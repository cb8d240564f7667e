// ABOUTME: Applies normalized webhook events to the conversation store
// ABOUTME: Each event is one transaction; redeliveries and late status updates are harmless

package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/2389/inbox-gateway/internal/dedupe"
	"github.com/2389/inbox-gateway/internal/notify"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// Outcome says what applying one event did.
type Outcome int

const (
	OutcomeIngested       Outcome = iota + 1 // new inbound message stored
	OutcomeDuplicate                         // inbound message already stored
	OutcomeStatusApplied                     // status moved forward
	OutcomeStatusStale                       // status would not move forward
	OutcomeStatusPending                     // message unknown; kept for later
	OutcomeStatusFallback                    // applied to a message without provider id
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIngested:
		return "ingested"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStatusApplied:
		return "status_applied"
	case OutcomeStatusStale:
		return "status_stale"
	case OutcomeStatusPending:
		return "status_pending"
	case OutcomeStatusFallback:
		return "status_fallback"
	default:
		return "unknown"
	}
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Counts map[Outcome]int
	Failed int
}

// Total is the number of events seen, failed ones included.
func (s Summary) Total() int {
	n := s.Failed
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Reconciler applies events to a ConversationStore.
type Reconciler struct {
	store    store.ConversationStore
	seen     *dedupe.Cache
	notifier notify.Notifier
	fallback bool
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithDedupe enables the in-memory fast path for redelivered messages.
func WithDedupe(c *dedupe.Cache) Option {
	return func(r *Reconciler) { r.seen = c }
}

// WithNotifier announces committed changes to n.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithStatusFallback lets a status update for an unknown provider id land on
// the newest outbound message that was recorded without one.
func WithStatusFallback(enabled bool) Option {
	return func(r *Reconciler) { r.fallback = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler.
func New(st store.ConversationStore, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:    st,
		notifier: notify.Discard{},
		now:      time.Now,
		logger:   logger.With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyAll applies every event in order. A failing event is logged and
// counted; the remaining events are still applied.
func (r *Reconciler) ApplyAll(ctx context.Context, events iter.Seq[whatsapp.Event]) Summary {
	sum := Summary{Counts: make(map[Outcome]int)}
	for ev := range events {
		out, err := r.Apply(ctx, ev)
		if err != nil {
			sum.Failed++
			r.logger.Error("failed to apply event", "event", fmt.Sprintf("%T", ev), "error", err)
			continue
		}
		sum.Counts[out]++
	}
	return sum
}

// Apply applies a single event atomically.
func (r *Reconciler) Apply(ctx context.Context, ev whatsapp.Event) (Outcome, error) {
	switch e := ev.(type) {
	case whatsapp.InboundMessage:
		return r.applyInbound(ctx, e)
	case whatsapp.StatusUpdate:
		return r.applyStatus(ctx, e)
	default:
		return 0, fmt.Errorf("unsupported event type %T", ev)
	}
}

func (r *Reconciler) applyInbound(ctx context.Context, ev whatsapp.InboundMessage) (Outcome, error) {
	key := dedupe.Key{ExternalID: ev.ExternalID, ProviderMessageID: ev.ProviderMessageID}
	if r.seen != nil && r.seen.Seen(key) {
		r.logger.Debug("duplicate message (cached)", "provider_message_id", ev.ProviderMessageID)
		return OutcomeDuplicate, nil
	}

	// Last activity is arrival time; provider clocks ahead of ours must not
	// pin the contact in the future
	activity := r.now().UTC()

	var (
		duplicate bool
		contact   *store.Contact
		msg       *store.Message
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetContactByExternalID(ctx, ev.ExternalID)
		switch {
		case err == nil:
			has, err := tx.HasProviderMessage(ctx, existing.ID, ev.ProviderMessageID)
			if err != nil {
				return err
			}
			if has {
				duplicate = true
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		c, created, err := tx.UpsertContactByExternalID(ctx, store.ContactUpsert{
			ExternalID:    ev.ExternalID,
			Name:          ev.SenderName,
			ActivityAt:    activity,
			InitialUnread: 1,
		})
		if err != nil {
			return err
		}

		msg = &store.Message{
			ContactID:         c.ID,
			Direction:         store.DirectionInbound,
			Content:           ev.Text,
			Timestamp:         ev.OccurredAt,
			Status:            store.StatusDelivered,
			ProviderMessageID: ev.ProviderMessageID,
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}

		// A new contact starts at one unread; only existing ones are incremented
		if !created {
			if err := tx.IncrementUnread(ctx, c.ID); err != nil {
				return err
			}
		}
		contact = c
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingesting message %s: %w", ev.ProviderMessageID, err)
	}

	if r.seen != nil {
		r.seen.Mark(key)
	}
	if duplicate {
		r.logger.Debug("duplicate message", "provider_message_id", ev.ProviderMessageID)
		return OutcomeDuplicate, nil
	}

	r.logger.Info("message received", "contact_id", contact.ID, "provider_message_id", ev.ProviderMessageID, "type", ev.Type)
	r.notifier.Notify(ctx, notify.Update{
		Kind:      notify.KindMessageCreated,
		ContactID: contact.ID,
		MessageID: msg.ID,
		At:        activity,
	})
	return OutcomeIngested, nil
}

func (r *Reconciler) applyStatus(ctx context.Context, ev whatsapp.StatusUpdate) (Outcome, error) {
	var (
		outcome Outcome
		target  *store.Message
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		msg, err := tx.FindOutboundByProviderID(ctx, ev.ProviderMessageID)
		if err == nil {
			if !ev.Status.Supersedes(msg.Status) {
				outcome = OutcomeStatusStale
				return nil
			}
			target = msg
			outcome = OutcomeStatusApplied
			return tx.UpdateMessageStatus(ctx, msg.ID, ev.Status)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// The send may not be recorded yet; keep the status for RecordOutbound
		if err := tx.PutPendingStatus(ctx, ev.ProviderMessageID, ev.Status, r.now().UTC()); err != nil {
			return err
		}
		outcome = OutcomeStatusPending

		if !r.fallback {
			return nil
		}
		legacy, err := r.fallbackTarget(ctx, tx, ev)
		if err != nil || legacy == nil {
			return err
		}
		if !ev.Status.Supersedes(legacy.Status) {
			return nil
		}
		target = legacy
		outcome = OutcomeStatusFallback
		return tx.UpdateMessageStatus(ctx, legacy.ID, ev.Status)
	})
	if err != nil {
		return 0, fmt.Errorf("applying status for %s: %w", ev.ProviderMessageID, err)
	}

	switch outcome {
	case OutcomeStatusApplied, OutcomeStatusFallback:
		r.logger.Debug("status updated", "message_id", target.ID, "status", ev.Status, "outcome", outcome)
		r.notifier.Notify(ctx, notify.Update{
			Kind:      notify.KindMessageStatus,
			ContactID: target.ContactID,
			MessageID: target.ID,
			At:        ev.OccurredAt,
		})
	case OutcomeStatusPending:
		r.logger.Debug("status for unknown message kept", "provider_message_id", ev.ProviderMessageID, "status", ev.Status)
	}
	return outcome, nil
}

// fallbackTarget finds the newest outbound message without a provider id,
// scoped to the recipient when the update names one. It returns nil when
// there is no candidate.
func (r *Reconciler) fallbackTarget(ctx context.Context, tx store.Tx, ev whatsapp.StatusUpdate) (*store.Message, error) {
	contactID := ""
	if ev.RecipientID != "" {
		c, err := tx.GetContactByExternalID(ctx, ev.RecipientID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		contactID = c.ID
	}

	msg, err := tx.LatestOutboundWithoutProviderID(ctx, contactID, ev.Status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
