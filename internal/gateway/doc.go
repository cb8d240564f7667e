// Package gateway orchestrates the inbox-gateway server components.
//
// # Overview
//
// The gateway package wires everything together: the SQLite conversation
// store, the webhook normalizer and ingestion reconciler, the conversation
// service used by the dashboard, the outbound WhatsApp client, change
// notifications (SSE and optionally NATS) and the HTTP server, reachable over
// plain TCP or through a Tailscale node with Funnel.
//
// # HTTP API
//
// Webhook (authenticated by the verify token and X-Hub-Signature-256):
//
//   - GET /webhook/whatsapp - Subscription handshake
//   - POST /webhook/whatsapp - Event delivery, always acknowledged once parsed
//
// Dashboard (bearer JWT when auth.jwt_secret is set):
//
//   - POST /api/auth/login - Exchange admin credentials for a token
//   - GET /api/contacts - List contacts with their latest message
//   - POST /api/contacts - Create a contact
//   - DELETE /api/contacts/{id} - Delete a contact and its messages
//   - PATCH /api/contacts/{id} - {"action":"clear"} clears the history
//   - GET /api/contacts/{id}/messages - Open a conversation (marks it read)
//   - POST /api/contacts/{id}/read - Mark a conversation read
//   - POST /api/messages/send - Send a text message
//   - GET /api/config - Masked channel settings
//   - GET /api/events - SSE stream of changes
//
// Probes: GET /health and GET /health/ready.
//
// # SSE Streaming
//
// The events stream starts with a ready event and then carries one event per
// committed change, named after its kind:
//
//	event: message.created
//	data: {"kind":"message.created","contactId":"...","messageId":"...","at":"..."}
//
// Updates carry ids only; clients refetch the contact they care about.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Cancelling the context shuts the server down gracefully within five seconds.
package gateway
