// ABOUTME: Tests for the inbox-tui API client and console commands
// ABOUTME: Runs against a real gateway with JWT auth and a fake Graph API

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/gateway"
	"github.com/2389/inbox-gateway/internal/store"
)

const (
	testUser     = "ops@example.com"
	testPassword = "correct horse"
)

// startGateway runs a gateway with one admin user and returns its URL.
func startGateway(t *testing.T) string {
	t.Helper()

	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.TUI"}]}`)
	}))
	t.Cleanup(graph.Close)

	dbPath := filepath.Join(t.TempDir(), "inbox.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, s.CreateAdminUser(context.Background(), &store.AdminUser{Username: testUser, PasswordHash: hash}))
	require.NoError(t, s.Close())

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: dbPath},
		WhatsApp: config.WhatsAppConfig{
			APIURL:        graph.URL,
			PhoneNumberID: "123456789012345",
			AccessToken:   "EAAtoken",
			VerifyToken:   "verify-me",
			SendTimeout:   2 * time.Second,
		},
		Auth:   config.AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef", TokenTTL: time.Hour},
		Dedupe: config.DedupeConfig{TTL: time.Hour, MaxEntries: 100},
	}
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return srv.URL
}

func TestAPIClient_RequiresLogin(t *testing.T) {
	api := newAPIClient(startGateway(t), "")

	_, err := api.contacts(context.Background(), "")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "missing authorization header", apiErr.Message)
}

func TestAPIClient_LoginRejectsBadPassword(t *testing.T) {
	api := newAPIClient(startGateway(t), "")

	_, err := api.login(context.Background(), testUser, "wrong")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Empty(t, api.token)
}

func TestAPIClient_Conversation(t *testing.T) {
	ctx := context.Background()
	api := newAPIClient(startGateway(t)+"/", "")

	token, err := api.login(ctx, testUser, testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	ct, err := api.createContact(ctx, "+1 (555) 123-4567", "Ann")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", ct.ExternalID)
	assert.Equal(t, "Ann", ct.DisplayName())

	_, err = api.createContact(ctx, "15551234567", "")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	id, err := api.send(ctx, ct.ExternalID, ct.ID, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := api.openConversation(ctx, ct.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "outbound", msgs[0].Direction)
	assert.Equal(t, "hello", msgs[0].Content)

	found, err := api.contacts(ctx, "ann")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NotNil(t, found[0].LastMessage)
	assert.Equal(t, "hello", found[0].LastMessage.Content)

	require.NoError(t, api.clearConversation(ctx, ct.ID))
	msgs, err = api.openConversation(ctx, ct.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAPIClient_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := newAPIClient(startGateway(t), "")
	_, err := api.login(ctx, testUser, testPassword)
	require.NoError(t, err)

	updates := make(chan update, 8)
	done := make(chan error, 1)
	go func() {
		done <- api.watch(ctx, "", func(u update) { updates <- u })
	}()

	// The subscription may not exist yet; retry creates until one is seen
	var got update
	n := 0
	require.Eventually(t, func() bool {
		n++
		_, _ = api.createContact(ctx, fmt.Sprintf("4477009001%02d", n), "Bob")
		select {
		case got = <-updates:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotEmpty(t, got.Kind)
	assert.NotEmpty(t, got.ContactID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestAPIClient_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hung.Close()
	defer close(release)

	api := newAPIClient(hung.URL, "")
	assert.Equal(t, requestTimeout, api.http.Timeout)
	assert.Zero(t, api.stream.Timeout, "the event stream stays open indefinitely")

	api.http.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := api.contacts(context.Background(), "")

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamSSE(t *testing.T) {
	body := strings.Join([]string{
		"event: ready",
		`data: {"subscriptionId":"s1"}`,
		"",
		": keepalive",
		"",
		"event: message.created",
		`data: {"kind":"message.created","contactId":"c1"}`,
		"",
		"event: partial",
	}, "\n")

	var events []string
	err := streamSSE(strings.NewReader(body), func(event, data string) error {
		events = append(events, event+" "+data)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		`ready {"subscriptionId":"s1"}`,
		`message.created {"kind":"message.created","contactId":"c1"}`,
	}, events)
}

func TestConsole_Commands(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	ctx := context.Background()
	api := newAPIClient(startGateway(t), "")
	_, err := api.login(ctx, testUser, testPassword)
	require.NoError(t, err)

	var out bytes.Buffer
	c := &console{api: api, out: &out}
	input := strings.Join([]string{
		"hello before open",
		"/new 15551234567 Ann",
		"/open +15551234567",
		"hi Ann",
		"/contacts",
		"/bogus",
		"/quit",
		"never reached",
	}, "\n")

	require.NoError(t, c.run(ctx, strings.NewReader(input)))

	text := out.String()
	assert.Contains(t, text, "no conversation open")
	assert.Contains(t, text, "added Ann")
	assert.Contains(t, text, "No messages")
	assert.Contains(t, text, "[Ann]> ")
	assert.Contains(t, text, "sent ")
	assert.Contains(t, text, "Ann 15551234567")
	assert.Contains(t, text, "unknown command /bogus")
	require.NotNil(t, c.selected)
	assert.Equal(t, "15551234567", c.selected.ExternalID)

	msgs, err := api.openConversation(ctx, c.selected.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi Ann", msgs[0].Content)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo w...", truncate("héllo world!", 10))
}
