// ABOUTME: Server-Sent Events stream of committed inbox changes
// ABOUTME: Lets dashboards refetch a contact when it changes instead of polling

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/inbox-gateway/internal/conversation"
	"github.com/2389/inbox-gateway/internal/notify"
)

// sseKeepAlive is how often a comment line is written to keep proxies from
// closing an idle stream.
const sseKeepAlive = 25 * time.Second

// handleEvents handles GET /api/events?contactId=. Without a contact id the
// stream carries updates for every contact.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	contactID := r.URL.Query().Get("contactId")
	if contactID == "" {
		contactID = conversation.AllContacts
	}

	updates, subID := g.eventBroadcaster.Subscribe(r.Context(), contactID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "ready", map[string]string{"subscriptionId": subID})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(u.Kind), u)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// compile-time check that the broadcaster can be handed to services as a notifier
var _ notify.Notifier = (*conversation.EventBroadcaster)(nil)
