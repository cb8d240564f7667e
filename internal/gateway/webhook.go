// ABOUTME: WhatsApp webhook endpoint: subscription handshake and event delivery
// ABOUTME: Verifies signatures, normalizes payloads and hands events to the reconciler

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/inbox-gateway/internal/ingest"
	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// maxWebhookBody caps webhook deliveries; Meta batches stay far below this.
const maxWebhookBody = 1 << 20

// handleWebhookVerify answers the subscription handshake. The challenge is
// echoed verbatim only when the mode is "subscribe" and the token matches.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	expected := g.config.WhatsApp.VerifyToken

	if mode != "subscribe" || expected == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		g.logger.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleWebhookEvent ingests one delivery. Once the body is authentic and
// parses, the provider always gets a success response; per-event failures
// are logged so the provider does not redeliver the whole batch.
func (g *Gateway) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if secret := g.config.WhatsApp.AppSecret; secret != "" {
		if err := whatsapp.VerifySignature(secret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
			g.logger.Warn("webhook rejected", "error", err, "remote_addr", r.RemoteAddr)
			g.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		g.logger.Error("failed to parse webhook payload", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "invalid payload")
		return
	}

	// Finish the batch even if the provider hangs up mid-request
	ctx := context.WithoutCancel(r.Context())
	sum := g.reconciler.ApplyAll(ctx, g.normalizer.Events(&payload))

	g.logger.Info("webhook processed",
		"events", sum.Total(),
		"ingested", sum.Counts[ingest.OutcomeIngested],
		"duplicates", sum.Counts[ingest.OutcomeDuplicate],
		"statuses", sum.Counts[ingest.OutcomeStatusApplied]+sum.Counts[ingest.OutcomeStatusFallback],
		"pending", sum.Counts[ingest.OutcomeStatusPending],
		"failed", sum.Failed,
	)

	g.sendSuccess(w)
}
