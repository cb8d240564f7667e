// Package ingest reconciles normalized WhatsApp events with the conversation store.
//
// Every event is applied in its own store transaction:
//
//   - InboundMessage: create or refresh the contact, append an unread inbound
//     message, add exactly one to the unread counter. A message whose provider
//     id is already stored for the contact is a duplicate and changes nothing.
//   - StatusUpdate: move the matching message's status forward. Updates that
//     would move it backwards are ignored. Updates for unknown messages are
//     kept as pending and applied when the outbound message is recorded.
//
// Committed changes are announced through a notify.Notifier.
package ingest
