// ABOUTME: Tests for the dashboard HTTP API handlers
// ABOUTME: Exercises contacts, conversations, sends, settings and the auth gate end to end

package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/store"
)

func createContact(t *testing.T, gw *Gateway, body string) ContactResponse {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/api/contacts", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ContactResponse](t, rec)
}

func TestListContacts_Empty(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodGet, "/api/contacts", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateContact(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	c := createContact(t, gw, `{"externalId":"+1 555 123 4567","name":"Ann"}`)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "15551234567", c.ExternalID)
	require.NotNil(t, c.Name)
	assert.Equal(t, "Ann", *c.Name)
	assert.Equal(t, 0, c.UnreadCount)
	assert.Nil(t, c.LastMessage)

	t.Run("duplicate", func(t *testing.T) {
		rec := do(t, gw, http.MethodPost, "/api/contacts", `{"externalId":"15551234567"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"error":"contact already exists"}`, rec.Body.String())
	})

	t.Run("missing external id", func(t *testing.T) {
		rec := do(t, gw, http.MethodPost, "/api/contacts", `{"name":"Nobody"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "externalId")
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := do(t, gw, http.MethodPost, "/api/contacts", `{"externalId":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid JSON body"}`, rec.Body.String())
	})
}

func TestListContacts_SearchAndLastMessage(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann"))
	postWebhook(t, gw, inboundPayload("447700900123", "wamid.B", "hello", "1700000100", "Bob"))

	all := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	require.Len(t, all, 2)
	require.NotNil(t, all[0].LastMessage)
	require.NotNil(t, all[1].LastMessage)

	byName := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts?search=ANN", ""))
	require.Len(t, byName, 1)
	assert.Equal(t, "15551234567", byName[0].ExternalID)
	assert.Equal(t, "hi", byName[0].LastMessage.Content)
	assert.Equal(t, 1, byName[0].UnreadCount)

	byNumber := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts?search=7700", ""))
	require.Len(t, byNumber, 1)
	assert.Equal(t, "447700900123", byNumber[0].ExternalID)
}

func TestContactMessages_OpensConversation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.2", "second", "1700000060", "Ann"))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.1", "first", "1700000000", "Ann"))

	contacts := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	require.Len(t, contacts, 1)
	assert.Equal(t, 2, contacts[0].UnreadCount)
	id := contacts[0].ID

	rec := do(t, gw, http.MethodGet, "/api/contacts/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody[[]MessageResponse](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "2023-11-14T22:13:20.000Z", msgs[0].Timestamp)
	assert.Equal(t, "inbound", msgs[0].Direction)
	require.NotNil(t, msgs[0].Status)
	assert.Equal(t, "delivered", *msgs[0].Status)

	// The listing returned the pre-open state; the next one is read
	again := decodeBody[[]MessageResponse](t, do(t, gw, http.MethodGet, "/api/contacts/"+id+"/messages", ""))
	for _, m := range again {
		assert.True(t, m.IsRead)
	}
	contacts = decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	assert.Equal(t, 0, contacts[0].UnreadCount)
}

func TestContactMessages_UnknownContact(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodGet, "/api/contacts/nope/messages", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"contact not found"}`, rec.Body.String())
}

func TestMarkRead_Idempotent(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann"))
	contacts := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	id := contacts[0].ID

	for range 2 {
		rec := do(t, gw, http.MethodPost, "/api/contacts/"+id+"/read", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	}

	contacts = decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	assert.Equal(t, 0, contacts[0].UnreadCount)

	rec := do(t, gw, http.MethodPost, "/api/contacts/nope/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchContact_Clear(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann"))
	id := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))[0].ID

	rec := do(t, gw, http.MethodPatch, "/api/contacts/"+id, `{"action":"archive"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid action"}`, rec.Body.String())

	rec = do(t, gw, http.MethodPatch, "/api/contacts/"+id, `{"action":"clear"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	contacts := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	require.Len(t, contacts, 1, "clearing keeps the contact")
	assert.Equal(t, 0, contacts[0].UnreadCount)
	assert.Nil(t, contacts[0].LastMessage)

	msgs := decodeBody[[]MessageResponse](t, do(t, gw, http.MethodGet, "/api/contacts/"+id+"/messages", ""))
	assert.Empty(t, msgs)

	rec = do(t, gw, http.MethodPatch, "/api/contacts/nope", `{"action":"clear"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteContact_Cascades(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	postWebhook(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "Ann"))
	id := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))[0].ID

	rec := do(t, gw, http.MethodDelete, "/api/contacts/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	assert.JSONEq(t, `[]`, do(t, gw, http.MethodGet, "/api/contacts", "").Body.String())
	msgs, err := gw.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	rec = do(t, gw, http.MethodDelete, "/api/contacts/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage_RecordsOutbound(t *testing.T) {
	api := newFakeGraphAPI(t)
	cfg := testConfig(t)
	withChannel(cfg, api)
	gw := newTestGateway(t, cfg)
	c := createContact(t, gw, `{"externalId":"15551234567","name":"Ann"}`)

	rec := do(t, gw, http.MethodPost, "/api/messages/send",
		`{"to":"+1 555 123 4567","message":"hello","contactId":"`+c.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[SendMessageResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "wamid.OUT", resp.MessageID)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "outbound", resp.Message.Direction)
	require.NotNil(t, resp.Message.Status)
	assert.Equal(t, "sent", *resp.Message.Status)
	assert.True(t, resp.Message.IsRead)

	sent := api.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15551234567", sent[0]["to"])
	assert.Equal(t, "whatsapp", sent[0]["messaging_product"])

	contacts := decodeBody[[]ContactResponse](t, do(t, gw, http.MethodGet, "/api/contacts", ""))
	require.Len(t, contacts, 1)
	assert.Equal(t, resp.Message.Timestamp, contacts[0].UpdatedAt, "activity moves to the send time")
	require.NotNil(t, contacts[0].LastMessage)
	assert.Equal(t, "hello", contacts[0].LastMessage.Content)
}

func TestSendMessage_WithoutContact(t *testing.T) {
	api := newFakeGraphAPI(t)
	cfg := testConfig(t)
	withChannel(cfg, api)
	gw := newTestGateway(t, cfg)

	rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"messageId":"wamid.OUT"}`, rec.Body.String())
	assert.JSONEq(t, `[]`, do(t, gw, http.MethodGet, "/api/contacts", "").Body.String())
}

func TestSendMessage_Errors(t *testing.T) {
	api := newFakeGraphAPI(t)
	cfg := testConfig(t)
	withChannel(cfg, api)
	gw := newTestGateway(t, cfg)
	c := createContact(t, gw, `{"externalId":"15551234567"}`)

	t.Run("missing fields", func(t *testing.T) {
		rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "message")
	})

	t.Run("unknown contact", func(t *testing.T) {
		rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567","message":"hi","contactId":"nope"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, api.sent(), "nothing is dispatched for an unknown contact")
	})

	t.Run("provider rejects", func(t *testing.T) {
		api.respond(http.StatusBadRequest, `{"error":{"message":"Recipient phone number not in allowed list","code":131030}}`)
		rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567","message":"hi","contactId":"`+c.ID+`"}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.JSONEq(t, `{"error":"Recipient phone number not in allowed list"}`, rec.Body.String())

		msgs, err := gw.store.ListMessages(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs, "a failed send writes nothing")
	})
}

func TestSendMessage_ChannelNotConfigured(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodPost, "/api/messages/send", `{"to":"15551234567","message":"hi"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"messaging channel not configured: whatsapp.phone_number_id"}`, rec.Body.String())
}

func TestConfigEndpoint_MasksValues(t *testing.T) {
	cfg := testConfig(t)
	cfg.WhatsApp.PhoneNumberID = "123456789012345"
	cfg.WhatsApp.AccessToken = "EAAsecret"
	gw := newTestGateway(t, cfg)

	rec := do(t, gw, http.MethodGet, "/api/config", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"phoneNumberId": "1234•••••••2345",
		"businessAccountId": null,
		"hasPhoneNumberId": true,
		"hasBusinessAccountId": false,
		"hasAccessToken": true,
		"hasAppSecret": false,
		"statusFallback": false
	}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "EAAsecret")
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		in   string
		want *string
	}{
		{"", nil},
		{"abc", optionalString("••••••••")},
		{"abcdefgh", optionalString("••••••••")},
		{"abcdefghi", optionalString("abcd•fghi")},
		{"abcd1234wxyz", optionalString("abcd••••wxyz")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskValue(tt.in), "maskValue(%q)", tt.in)
	}
}

func TestAPIAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testJWTSecret
	gw := newTestGateway(t, cfg)

	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	require.NoError(t, gw.store.CreateAdminUser(context.Background(), &store.AdminUser{
		Username:     "ops@example.com",
		PasswordHash: hash,
	}))

	rec := do(t, gw, http.MethodGet, "/api/contacts", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/auth/login", `{"username":"ops@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/auth/login", `{"username":"ops@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/auth/login", `{"username":"ops@example.com","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decodeBody[LoginResponse](t, rec)
	require.NotEmpty(t, login.Token)
	assert.NotEmpty(t, login.ExpiresAt)

	rec = do(t, gw, http.MethodGet, "/api/contacts", "", "Authorization", "Bearer "+login.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Probes and the webhook stay outside the bearer gate
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, postWebhookRaw(t, gw, inboundPayload("15551234567", "wamid.A", "hi", "1700000000", "")).Code)
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodPut, "/api/contacts", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
