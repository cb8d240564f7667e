// Package whatsapp speaks the WhatsApp Cloud API on both sides of the gateway.
//
// Inbound, Normalizer flattens a webhook delivery into a sequence of Event
// values (InboundMessage and StatusUpdate). Parts it cannot interpret are
// reported as Skip values through the logger and never abort the payload.
//
// Outbound, Client sends text messages through the Graph API. It returns a
// *config.ConfigurationError when credentials are missing and a
// *DeliveryError for anything the provider rejects.
//
// VerifySignature checks the X-Hub-Signature-256 header when an app secret
// is configured.
package whatsapp
