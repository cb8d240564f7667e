// ABOUTME: HTTP client for the inbox-gateway dashboard API
// ABOUTME: Wraps login, contacts, conversations, sends and the SSE change stream

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// contactInfo is one entry from GET /api/contacts.
type contactInfo struct {
	ID          string       `json:"id"`
	ExternalID  string       `json:"externalId"`
	Name        *string      `json:"name"`
	UnreadCount int          `json:"unreadCount"`
	UpdatedAt   string       `json:"updatedAt"`
	LastMessage *messageInfo `json:"lastMessage,omitempty"`
}

// DisplayName prefers the profile name over the phone number.
func (c contactInfo) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.ExternalID
}

// messageInfo is one entry from GET /api/contacts/{id}/messages.
type messageInfo struct {
	ID        string  `json:"id"`
	ContactID string  `json:"contactId"`
	Direction string  `json:"direction"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	Status    *string `json:"status"`
	IsRead    bool    `json:"isRead"`
}

type sendRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	ContactID string `json:"contactId,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// update mirrors the payload of every non-ready SSE event.
type update struct {
	Kind      string `json:"kind"`
	ContactID string `json:"contactId"`
	MessageID string `json:"messageId"`
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

// requestTimeout bounds every request/response call. The event stream is
// long-lived and has no timeout.
const requestTimeout = 15 * time.Second

type apiClient struct {
	server string
	token  string
	http   *http.Client
	stream *http.Client
}

func newAPIClient(server, token string) *apiClient {
	return &apiClient{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: requestTimeout},
		stream: &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// login exchanges credentials for a bearer token and keeps it on the client.
func (c *apiClient) login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Token, nil
}

func (c *apiClient) contacts(ctx context.Context, search string) ([]contactInfo, error) {
	path := "/api/contacts"
	if search != "" {
		path += "?search=" + url.QueryEscape(search)
	}
	var out []contactInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) createContact(ctx context.Context, externalID, name string) (*contactInfo, error) {
	body := map[string]string{"externalId": externalID}
	if name != "" {
		body["name"] = name
	}
	var out contactInfo
	if err := c.do(ctx, http.MethodPost, "/api/contacts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// openConversation fetches a contact's history. The gateway marks it read.
func (c *apiClient) openConversation(ctx context.Context, contactID string) ([]messageInfo, error) {
	var out []messageInfo
	path := "/api/contacts/" + url.PathEscape(contactID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) clearConversation(ctx context.Context, contactID string) error {
	path := "/api/contacts/" + url.PathEscape(contactID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"action": "clear"}, nil)
}

func (c *apiClient) send(ctx context.Context, to, contactID, text string) (string, error) {
	var out sendResponse
	req := sendRequest{To: to, Message: text, ContactID: contactID}
	if err := c.do(ctx, http.MethodPost, "/api/messages/send", req, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// watch streams updates until ctx is cancelled or the gateway ends the
// stream. An empty contactID watches every contact.
func (c *apiClient) watch(ctx context.Context, contactID string, fn func(update)) error {
	path := "/api/events"
	if contactID != "" {
		path += "?contactId=" + url.QueryEscape(contactID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	err = streamSSE(resp.Body, func(event, data string) error {
		if event == "ready" {
			return nil
		}
		var u update
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return fmt.Errorf("parsing event data: %w", err)
		}
		fn(u)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// streamSSE calls fn for each complete event. Comment lines are skipped.
func streamSSE(body io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				if err := fn(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
