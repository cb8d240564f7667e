// Package config loads the inbox-gateway configuration.
//
// # File Formats
//
// Configuration is read from YAML (default) or TOML (files ending in .toml).
// Before parsing, ${VAR_NAME} references are replaced with environment
// variables, and an optional .env file in the working directory is loaded so
// secrets can stay out of the config file:
//
//	whatsapp:
//	  phone_number_id: "${WHATSAPP_PHONE_NUMBER_ID}"
//	  access_token: "${WHATSAPP_ACCESS_TOKEN}"
//	  verify_token: "${WHATSAPP_VERIFY_TOKEN}"
//	  app_secret: "${WHATSAPP_APP_SECRET}"
//
// # Required Keys
//
// Load fails with a *ConfigurationError when database.path or
// whatsapp.verify_token is missing. The outbound channel credentials
// (phone_number_id, access_token) are checked separately with
// WhatsAppConfig.ChannelReady so the webhook can run receive-only.
//
// # Durations
//
// Duration fields (send_timeout, token_ttl, dedupe ttl) are written as Go
// duration strings such as "15s" or "24h".
package config
