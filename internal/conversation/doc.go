// Package conversation implements the operator-facing side of the inbox.
//
// # Service
//
// Service wraps the conversation store for the dashboard API:
//
//	svc := conversation.New(store, whatsappClient, logger,
//		conversation.WithNotifier(broadcaster),
//		conversation.WithDedupe(cache))
//
// Key operations:
//
//   - Send(ctx, req): dispatch a text message, then record it on the contact
//   - ListContacts(ctx, search): contacts by latest activity with their last message
//   - OpenConversation(ctx, id): messages oldest first, marking the contact read
//   - MarkRead, ClearHistory, DeleteContact, CreateContact
//
// Sending follows "dispatch, then record": if the provider rejects the
// message nothing is written, so the history only shows messages that left
// the gateway.
//
// # Event Broadcasting
//
// EventBroadcaster fans committed updates out to in-process subscribers,
// which the gateway streams to dashboards as Server-Sent Events. Subscribers
// follow a single contact or AllContacts. Updates carry ids only; clients
// refetch what changed.
package conversation
