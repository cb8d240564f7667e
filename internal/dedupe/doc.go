// Package dedupe remembers which inbound messages were recently ingested so
// webhook redeliveries can be dropped before any database work.
//
// The cache is a fast path only. The store's unique index on
// (contact, provider message id) remains the authority.
package dedupe
