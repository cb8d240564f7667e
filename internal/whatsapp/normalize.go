// ABOUTME: Normalizes WhatsApp webhook payloads into a flat sequence of typed events
// ABOUTME: Malformed parts are skipped and logged; the rest of the payload is still produced

package whatsapp

import (
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/2389/inbox-gateway/internal/store"
)

// Event is either an InboundMessage or a StatusUpdate.
type Event interface {
	event()
}

// InboundMessage is a message a contact sent to the business number.
type InboundMessage struct {
	ExternalID        string // sender phone number
	ProviderMessageID string
	Text              string // never empty
	Type              string
	OccurredAt        time.Time
	SenderName        string // empty when the payload carries no profile
}

// StatusUpdate reports a delivery state change for a previously sent message.
type StatusUpdate struct {
	ProviderMessageID string
	Status            store.Status
	RecipientID       string
	OccurredAt        time.Time
}

func (InboundMessage) event() {}
func (StatusUpdate) event()   {}

// Skip describes a part of a payload that could not be normalized.
type Skip struct {
	Path   string
	Reason string
}

func (s Skip) Error() string {
	return fmt.Sprintf("skipped %s: %s", s.Path, s.Reason)
}

// Normalizer turns webhook payloads into events. It is safe for concurrent use.
type Normalizer struct {
	logger *slog.Logger
	skips  atomic.Int64
}

// NewNormalizer creates a normalizer that reports skips to logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Skips returns how many payload parts have been skipped so far.
func (n *Normalizer) Skips() int64 {
	return n.skips.Load()
}

// Events returns the payload's events in payload order: for each change, its
// messages followed by its statuses. The sequence can be ranged over more
// than once.
func (n *Normalizer) Events(p *WebhookPayload) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if p == nil {
			return
		}
		if p.Object != ObjectBusinessAccount {
			n.skip(Skip{Path: "object", Reason: fmt.Sprintf("unsupported object %q", p.Object)})
			return
		}

		for i, entry := range p.Entry {
			for j, change := range entry.Changes {
				path := fmt.Sprintf("entry[%d].changes[%d]", i, j)
				if change.Field != FieldMessages {
					n.skip(Skip{Path: path, Reason: fmt.Sprintf("unsupported field %q", change.Field)})
					continue
				}

				for k, m := range change.Value.Messages {
					ev, err := inboundMessage(m, change.Value.Contacts)
					if err != nil {
						n.skip(Skip{Path: fmt.Sprintf("%s.messages[%d]", path, k), Reason: err.Error()})
						continue
					}
					if !yield(ev) {
						return
					}
				}

				for k, st := range change.Value.Statuses {
					ev, err := statusUpdate(st)
					if err != nil {
						n.skip(Skip{Path: fmt.Sprintf("%s.statuses[%d]", path, k), Reason: err.Error()})
						continue
					}
					if !yield(ev) {
						return
					}
				}
			}
		}
	}
}

func (n *Normalizer) skip(s Skip) {
	n.skips.Add(1)
	n.logger.Warn("skipping webhook content", "path", s.Path, "reason", s.Reason)
}

func inboundMessage(m Message, contacts []Contact) (InboundMessage, error) {
	if m.From == "" {
		return InboundMessage{}, fmt.Errorf("missing sender")
	}
	if m.ID == "" {
		return InboundMessage{}, fmt.Errorf("missing message id")
	}
	at, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return InboundMessage{}, err
	}

	return InboundMessage{
		ExternalID:        m.From,
		ProviderMessageID: m.ID,
		Text:              messageText(m),
		Type:              m.Type,
		OccurredAt:        at,
		SenderName:        senderName(m.From, contacts),
	}, nil
}

func statusUpdate(st Status) (StatusUpdate, error) {
	if st.ID == "" {
		return StatusUpdate{}, fmt.Errorf("missing message id")
	}
	status, ok := store.ParseStatus(st.Status)
	if !ok {
		return StatusUpdate{}, fmt.Errorf("unsupported status %q", st.Status)
	}
	at, err := parseTimestamp(st.Timestamp)
	if err != nil {
		return StatusUpdate{}, err
	}

	return StatusUpdate{
		ProviderMessageID: st.ID,
		Status:            status,
		RecipientID:       st.RecipientID,
		OccurredAt:        at,
	}, nil
}

// maxTimestamp is 9999-12-31T23:59:59Z, the latest provider time accepted.
const maxTimestamp = 253402300799

// parseTimestamp converts decimal seconds since the epoch into a UTC time.
// Only positive values up to maxTimestamp are accepted.
func parseTimestamp(ts string) (time.Time, error) {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 || sec > maxTimestamp {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", ts)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// senderName picks the profile whose wa_id matches the sender, falling back
// to the only profile when there is exactly one.
func senderName(from string, contacts []Contact) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) == 1 {
		return contacts[0].Profile.Name
	}
	return ""
}

// messageText extracts displayable text. Non-text messages fall back to
// their caption or title and finally to a "[type]" placeholder.
func messageText(m Message) string {
	if m.Text != nil && m.Text.Body != "" {
		return m.Text.Body
	}
	for _, media := range []*MediaContent{m.Image, m.Video, m.Document} {
		if media != nil && media.Caption != "" {
			return media.Caption
		}
	}
	if m.Button != nil && m.Button.Text != "" {
		return m.Button.Text
	}
	if m.Interactive != nil {
		if r := m.Interactive.ButtonReply; r != nil && r.Title != "" {
			return r.Title
		}
		if r := m.Interactive.ListReply; r != nil && r.Title != "" {
			return r.Title
		}
	}
	if m.Reaction != nil && m.Reaction.Emoji != "" {
		return m.Reaction.Emoji
	}
	if m.Location != nil && m.Location.Name != "" {
		return m.Location.Name
	}

	if m.Type == "" {
		return "[unknown]"
	}
	return "[" + m.Type + "]"
}
