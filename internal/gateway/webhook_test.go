// ABOUTME: Tests for the WhatsApp webhook endpoint
// ABOUTME: Covers the verify handshake, signatures, malformed bodies, redelivery and status updates

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// inboundPayload builds a one-message delivery. An empty name omits contacts.
func inboundPayload(from, id, text, ts, name string) string {
	contacts := ""
	if name != "" {
		contacts = fmt.Sprintf(`"contacts":[{"profile":{"name":%q},"wa_id":%q}],`, name, from)
	}
	return fmt.Sprintf(`{
		"object":"whatsapp_business_account",
		"entry":[{"id":"WABA","changes":[{"field":"messages","value":{
			"messaging_product":"whatsapp",
			"metadata":{"display_phone_number":"15550000000","phone_number_id":"123456789012345"},
			%s
			"messages":[{"from":%q,"id":%q,"timestamp":%q,"type":"text","text":{"body":%q}}]
		}}]}]
	}`, contacts, from, id, ts, text)
}

func statusPayload(id, status, recipient, ts string) string {
	return fmt.Sprintf(`{
		"object":"whatsapp_business_account",
		"entry":[{"id":"WABA","changes":[{"field":"messages","value":{
			"messaging_product":"whatsapp",
			"statuses":[{"id":%q,"status":%q,"timestamp":%q,"recipient_id":%q}]
		}}]}]
	}`, id, status, ts, recipient)
}

func postWebhookRaw(t *testing.T, gw *Gateway, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, gw, http.MethodPost, "/webhook/whatsapp", body, headers...)
}

func postWebhook(t *testing.T, gw *Gateway, body string) {
	t.Helper()
	rec := postWebhookRaw(t, gw, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestWebhookVerify(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", http.StatusForbidden, ""},
		{"missing params", "", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodGet, "/webhook/whatsapp?"+tt.query, "")
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestWebhook_InboundScenario(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	postWebhook(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann"))

	contacts, err := gw.store.ListContacts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	c := contacts[0]
	assert.Equal(t, "15551234567", c.ExternalID)
	assert.Equal(t, "Ann", c.Name)
	assert.Equal(t, 1, c.UnreadCount)

	msgs, err := gw.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "inbound", string(msgs[0].Direction))
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "delivered", string(msgs[0].Status))
	assert.False(t, msgs[0].IsRead)
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	payload := inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann")

	postWebhook(t, gw, payload)
	postWebhook(t, gw, payload)

	contacts, err := gw.store.ListContacts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, 1, contacts[0].UnreadCount)

	msgs, err := gw.store.ListMessages(context.Background(), contacts[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWebhook_StatusUpdates(t *testing.T) {
	api := newFakeGraphAPI(t)
	cfg := testConfig(t)
	withChannel(cfg, api)
	gw := newTestGateway(t, cfg)
	c := createContact(t, gw, `{"externalId":"15551234567"}`)

	rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567","message":"hello","contactId":"`+c.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	status := func() string {
		msgs, err := gw.store.ListMessages(context.Background(), c.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		return string(msgs[0].Status)
	}

	postWebhook(t, gw, statusPayload("wamid.OUT", "read", "15551234567", "1700000200"))
	assert.Equal(t, "read", status())

	// A late "delivered" must not move the message backwards
	postWebhook(t, gw, statusPayload("wamid.OUT", "delivered", "15551234567", "1700000100"))
	assert.Equal(t, "read", status())

	// Unknown ids change nothing
	postWebhook(t, gw, statusPayload("wamid.UNKNOWN", "failed", "15551234567", "1700000300"))
	assert.Equal(t, "read", status())
}

func TestWebhook_Signature(t *testing.T) {
	cfg := testConfig(t)
	cfg.WhatsApp.AppSecret = testAppSecret
	gw := newTestGateway(t, cfg)
	body := inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann")

	rec := postWebhookRaw(t, gw, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned deliveries are rejected")

	rec = postWebhookRaw(t, gw, body, whatsapp.SignatureHeader, whatsapp.Sign("other-secret", []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	contacts, err := gw.store.ListContacts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, contacts, "rejected deliveries are not ingested")

	rec = postWebhookRaw(t, gw, body, whatsapp.SignatureHeader, whatsapp.Sign(testAppSecret, []byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestWebhook_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := postWebhookRaw(t, gw, `{"object":`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"invalid payload"}`, rec.Body.String())
}

func TestWebhook_TooLarge(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := postWebhookRaw(t, gw, `{"pad":"`+strings.Repeat("x", maxWebhookBody)+`"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhook_PartialPayloadStillAcknowledged(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	body := `{
		"object":"whatsapp_business_account",
		"entry":[{"id":"WABA","changes":[
			{"field":"account_update","value":{}},
			{"field":"messages","value":{
				"messages":[
					{"id":"wamid.NOFROM","timestamp":"1700000000","type":"text","text":{"body":"lost"}},
					{"from":"15551234567","id":"wamid.BADTS","timestamp":"soon","type":"text","text":{"body":"lost"}},
					{"from":"15551234567","id":"wamid.OK","timestamp":"1700000000","type":"image","image":{"caption":"look"}}
				],
				"statuses":[{"id":"wamid.X","status":"deleted","timestamp":"1700000000"}]
			}}
		]}]
	}`

	postWebhook(t, gw, body)

	contacts, err := gw.store.ListContacts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	msgs, err := gw.store.ListMessages(context.Background(), contacts[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "look", msgs[0].Content)
	assert.Equal(t, int64(4), gw.normalizer.Skips())
}

func TestWebhook_OtherObjectIgnored(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	postWebhook(t, gw, `{"object":"page","entry":[]}`)

	contacts, err := gw.store.ListContacts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}
