// ABOUTME: Outbound text message client for the WhatsApp Cloud API
// ABOUTME: Normalizes destinations and maps provider failures to DeliveryError

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/2389/inbox-gateway/internal/config"
)

// maxErrorBody bounds how much of a provider error response is read
const maxErrorBody = 64 << 10

// DeliveryError reports that the provider rejected or never received a send.
type DeliveryError struct {
	StatusCode int    // 0 when the request never got a response
	Message    string // provider-supplied detail, safe to show operators
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("delivery failed: %s", e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Client sends text messages through the Graph API.
type Client struct {
	apiURL        string
	phoneNumberID string
	accessToken   string
	timeout       time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a client from the WhatsApp configuration section.
// Missing credentials are reported by Send, not here.
func NewClient(cfg config.WhatsAppConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = config.DefaultAPIURL
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiURL:        strings.TrimSuffix(apiURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		timeout:       timeout,
		httpClient:    &http.Client{},
		logger:        logger.With("component", "whatsapp"),
	}
}

// NormalizeRecipient strips '+' and all whitespace from a phone number.
func NormalizeRecipient(to string) string {
	return strings.Map(func(r rune) rune {
		if r == '+' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, to)
}

// Send delivers a text message and returns the provider message id.
// A *config.ConfigurationError is returned before any network call when the
// channel credentials are missing; every other failure is a *DeliveryError.
func (c *Client) Send(ctx context.Context, to, text string) (string, error) {
	if c.phoneNumberID == "" {
		return "", &config.ConfigurationError{Key: "whatsapp.phone_number_id"}
	}
	if c.accessToken == "" {
		return "", &config.ConfigurationError{Key: "whatsapp.access_token"}
	}

	body, err := json.Marshal(SendMessageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               NormalizeRecipient(to),
		Type:             "text",
		Text:             TextContent{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/messages", c.apiURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &DeliveryError{Message: "provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		derr := c.errorFromResponse(resp)
		c.logger.Warn("send rejected", "status", resp.StatusCode, "message", derr.Message)
		return "", derr
	}

	var out SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &DeliveryError{StatusCode: resp.StatusCode, Message: "invalid provider response", Err: err}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &DeliveryError{StatusCode: resp.StatusCode, Message: "provider response carried no message id"}
	}

	c.logger.Debug("message sent", "provider_message_id", out.Messages[0].ID)
	return out.Messages[0].ID, nil
}

// errorFromResponse extracts error.message from a Graph error body, falling
// back to the HTTP status text.
func (c *Client) errorFromResponse(resp *http.Response) *DeliveryError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := http.StatusText(resp.StatusCode)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return &DeliveryError{StatusCode: resp.StatusCode, Message: msg}
}
