// ABOUTME: HTTP API handlers for the inbox dashboard: contacts, messages, sends and settings
// ABOUTME: Maps service errors onto JSON error responses without echoing secrets

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/conversation"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// maxAPIBody caps JSON request bodies on the dashboard API.
const maxAPIBody = 64 << 10

// timeLayout renders timestamps with millisecond precision, the store's granularity.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	ID                string  `json:"id"`
	ContactID         string  `json:"contactId"`
	Direction         string  `json:"direction"`
	Content           string  `json:"content"`
	Timestamp         string  `json:"timestamp"`
	Status            *string `json:"status"`
	IsRead            bool    `json:"isRead"`
	ProviderMessageID *string `json:"providerMessageId"`
	CreatedAt         string  `json:"createdAt"`
}

// ContactResponse is the JSON form of a contact. LastMessage is only set in listings.
type ContactResponse struct {
	ID          string           `json:"id"`
	ExternalID  string           `json:"externalId"`
	Name        *string          `json:"name"`
	UnreadCount int              `json:"unreadCount"`
	CreatedAt   string           `json:"createdAt"`
	UpdatedAt   string           `json:"updatedAt"`
	LastMessage *MessageResponse `json:"lastMessage,omitempty"`
}

// CreateContactRequest is the JSON request body for POST /api/contacts.
type CreateContactRequest struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
}

// PatchContactRequest is the JSON request body for PATCH /api/contacts/{id}.
type PatchContactRequest struct {
	Action string `json:"action"`
}

// SendMessageRequest is the JSON request body for POST /api/messages/send.
type SendMessageRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	ContactID string `json:"contactId,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages/send.
type SendMessageResponse struct {
	Success   bool             `json:"success"`
	MessageID string           `json:"messageId"`
	Message   *MessageResponse `json:"message,omitempty"`
}

// ConfigResponse is the JSON response for GET /api/config. Ids are masked.
type ConfigResponse struct {
	PhoneNumberID        *string `json:"phoneNumberId"`
	BusinessAccountID    *string `json:"businessAccountId"`
	HasPhoneNumberID     bool    `json:"hasPhoneNumberId"`
	HasBusinessAccountID bool    `json:"hasBusinessAccountId"`
	HasAccessToken       bool    `json:"hasAccessToken"`
	HasAppSecret         bool    `json:"hasAppSecret"`
	StatusFallback       bool    `json:"statusFallback"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toMessageResponse(m *store.Message) *MessageResponse {
	return &MessageResponse{
		ID:                m.ID,
		ContactID:         m.ContactID,
		Direction:         string(m.Direction),
		Content:           m.Content,
		Timestamp:         formatTime(m.Timestamp),
		Status:            optionalString(string(m.Status)),
		IsRead:            m.IsRead,
		ProviderMessageID: optionalString(m.ProviderMessageID),
		CreatedAt:         formatTime(m.CreatedAt),
	}
}

func toContactResponse(c *store.Contact) ContactResponse {
	resp := ContactResponse{
		ID:          c.ID,
		ExternalID:  c.ExternalID,
		Name:        optionalString(c.Name),
		UnreadCount: c.UnreadCount,
		CreatedAt:   formatTime(c.CreatedAt),
		UpdatedAt:   formatTime(c.UpdatedAt),
	}
	if c.LastMessage != nil {
		resp.LastMessage = toMessageResponse(c.LastMessage)
	}
	return resp
}

// handleListContacts handles GET /api/contacts?search=.
func (g *Gateway) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := g.conversation.ListContacts(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		g.sendServiceError(w, "list contacts", err)
		return
	}

	response := make([]ContactResponse, 0, len(contacts))
	for _, c := range contacts {
		response = append(response, toContactResponse(c))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateContact handles POST /api/contacts.
func (g *Gateway) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := g.conversation.CreateContact(r.Context(), req.ExternalID, req.Name)
	if err != nil {
		g.sendServiceError(w, "create contact", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, toContactResponse(c))
}

// handleDeleteContact handles DELETE /api/contacts/{id}.
func (g *Gateway) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.DeleteContact(r.Context(), r.PathValue("id")); err != nil {
		g.sendServiceError(w, "delete contact", err)
		return
	}
	g.sendSuccess(w)
}

// handlePatchContact handles PATCH /api/contacts/{id}. The only action is "clear".
func (g *Gateway) handlePatchContact(w http.ResponseWriter, r *http.Request) {
	var req PatchContactRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action != "clear" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid action")
		return
	}

	if err := g.conversation.ClearHistory(r.Context(), r.PathValue("id")); err != nil {
		g.sendServiceError(w, "clear history", err)
		return
	}
	g.sendSuccess(w)
}

// handleContactMessages handles GET /api/contacts/{id}/messages.
// Opening a conversation marks its inbound messages read.
func (g *Gateway) handleContactMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.conversation.OpenConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, "list messages", err)
		return
	}

	response := make([]*MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, toMessageResponse(m))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleMarkRead handles POST /api/contacts/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		g.sendServiceError(w, "mark read", err)
		return
	}
	g.sendSuccess(w)
}

// handleSendMessage handles POST /api/messages/send.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.conversation.Send(r.Context(), conversation.SendRequest{
		To:        req.To,
		Message:   req.Message,
		ContactID: req.ContactID,
	})
	if err != nil {
		g.sendServiceError(w, "send message", err)
		return
	}

	resp := SendMessageResponse{Success: true, MessageID: result.ProviderMessageID}
	if result.Message != nil {
		resp.Message = toMessageResponse(result.Message)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleConfig handles GET /api/config. Channel ids are masked and secrets
// are only reported as present or absent.
func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	wa := g.config.WhatsApp
	g.sendJSON(w, http.StatusOK, ConfigResponse{
		PhoneNumberID:        maskValue(wa.PhoneNumberID),
		BusinessAccountID:    maskValue(wa.BusinessAccountID),
		HasPhoneNumberID:     wa.PhoneNumberID != "",
		HasBusinessAccountID: wa.BusinessAccountID != "",
		HasAccessToken:       wa.AccessToken != "",
		HasAppSecret:         wa.AppSecret != "",
		StatusFallback:       wa.StatusFallback,
	})
}

// maskValue keeps the first and last four characters of values longer than
// eight and hides shorter ones completely. Empty values map to nil.
func maskValue(value string) *string {
	if value == "" {
		return nil
	}
	n := utf8.RuneCountInString(value)
	if n <= 8 {
		masked := strings.Repeat("•", 8)
		return &masked
	}
	runes := []rune(value)
	masked := string(runes[:4]) + strings.Repeat("•", n-8) + string(runes[n-4:])
	return &masked
}

// handleLogin handles POST /api/auth/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, expiresAt, err := g.authenticator.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		g.sendServiceError(w, "login", err)
		return
	}
	g.sendJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: formatTime(expiresAt)})
}

// decodeJSONBody decodes a bounded JSON request body into dst.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendServiceError maps a service error onto an HTTP status. Unexpected
// errors are logged and reported generically.
func (g *Gateway) sendServiceError(w http.ResponseWriter, op string, err error) {
	var (
		validation *conversation.ValidationError
		cfgErr     *config.ConfigurationError
		delivery   *whatsapp.DeliveryError
	)
	switch {
	case errors.As(err, &validation):
		g.sendJSONError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "contact not found")
	case errors.Is(err, store.ErrContactExists):
		g.sendJSONError(w, http.StatusConflict, "contact already exists")
	case errors.As(err, &cfgErr):
		g.logger.Warn(op+" failed", "error", cfgErr)
		g.sendJSONError(w, http.StatusServiceUnavailable, "messaging channel not configured: "+cfgErr.Key)
	case errors.As(err, &delivery):
		g.logger.Warn(op+" failed", "status_code", delivery.StatusCode, "error", delivery)
		g.sendJSONError(w, http.StatusBadGateway, delivery.Message)
	default:
		g.logger.Error(op+" failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendSuccess writes {"success":true}.
func (g *Gateway) sendSuccess(w http.ResponseWriter) {
	g.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
