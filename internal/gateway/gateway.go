// ABOUTME: Gateway orchestrator that wires the store, ingestion pipeline and HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), graceful shutdown and health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/conversation"
	"github.com/2389/inbox-gateway/internal/dedupe"
	"github.com/2389/inbox-gateway/internal/ingest"
	"github.com/2389/inbox-gateway/internal/notify"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/whatsapp"
)

// Gateway owns every server component of inbox-gateway.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	reconciler   *ingest.Reconciler
	normalizer   *whatsapp.Normalizer
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// authenticator is nil when auth.jwt_secret is not configured
	authenticator *auth.Authenticator

	// dedupe short-circuits redelivered inbound messages
	dedupe *dedupe.Cache

	// eventBroadcaster feeds the SSE endpoint
	eventBroadcaster *conversation.EventBroadcaster

	// natsPublisher is nil unless nats.url is configured
	natsPublisher *notify.NATSPublisher
}

// initStore opens the SQLite store, honouring the INBOX_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("INBOX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initNotifier builds the notifier chain: the in-process broadcaster always,
// NATS when configured.
func initNotifier(cfg *config.Config, broadcaster *conversation.EventBroadcaster, logger *slog.Logger) (notify.Notifier, *notify.NATSPublisher, error) {
	if cfg.NATS.URL == "" {
		return broadcaster, nil, nil
	}
	pub, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		return nil, nil, err
	}
	return notify.Fanout{broadcaster, pub}, pub, nil
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	routes := map[string]http.HandlerFunc{
		"GET /api/contacts":               g.handleListContacts,
		"POST /api/contacts":              g.handleCreateContact,
		"DELETE /api/contacts/{id}":       g.handleDeleteContact,
		"PATCH /api/contacts/{id}":        g.handlePatchContact,
		"GET /api/contacts/{id}/messages": g.handleContactMessages,
		"POST /api/contacts/{id}/read":    g.handleMarkRead,
		"POST /api/messages/send":         g.handleSendMessage,
		"GET /api/config":                 g.handleConfig,
		"GET /api/events":                 g.handleEvents,
	}

	if cfg.Auth.JWTSecret == "" {
		for pattern, h := range routes {
			mux.HandleFunc(pattern, h)
		}
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	g.authenticator = auth.NewAuthenticator(g.store, verifier, cfg.Auth.TokenTTL, logger)

	authMiddleware := auth.HTTPAuthMiddleware(g.store, verifier)
	for pattern, h := range routes {
		mux.Handle(pattern, authMiddleware(h))
	}
	mux.HandleFunc("POST /api/auth/login", g.handleLogin)
	logger.Info("HTTP auth middleware enabled")
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	eventBroadcaster := conversation.NewEventBroadcaster(logger)

	notifier, natsPublisher, err := initNotifier(cfg, eventBroadcaster, logger)
	if err != nil {
		dedupeCache.Close()
		_ = sqlStore.Close()
		return nil, err
	}

	if err := cfg.WhatsApp.ChannelReady(); err != nil {
		logger.Warn("outbound messaging disabled until configured", "error", err)
	}
	if cfg.WhatsApp.AppSecret == "" {
		logger.Warn("webhook signature verification disabled - no whatsapp.app_secret configured")
	}

	waClient := whatsapp.NewClient(cfg.WhatsApp, logger)

	gw := &Gateway{
		config: cfg,
		store:  sqlStore,
		conversation: conversation.New(sqlStore, waClient, logger,
			conversation.WithNotifier(notifier),
			conversation.WithDedupe(dedupeCache),
		),
		reconciler: ingest.New(sqlStore, logger,
			ingest.WithNotifier(notifier),
			ingest.WithDedupe(dedupeCache),
			ingest.WithStatusFallback(cfg.WhatsApp.StatusFallback),
		),
		normalizer:       whatsapp.NewNormalizer(logger),
		logger:           logger.With("component", "gateway"),
		dedupe:           dedupeCache,
		eventBroadcaster: eventBroadcaster,
		natsPublisher:    natsPublisher,
	}

	mux := http.NewServeMux()

	// Health and webhook endpoints - no bearer auth
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.HandleFunc("GET /webhook/whatsapp", gw.handleWebhookVerify)
	mux.HandleFunc("POST /webhook/whatsapp", gw.handleWebhookEvent)

	if err := gw.registerHTTPAPIRoutes(mux, cfg, logger); err != nil {
		gw.closeOptionalComponents()
		_ = sqlStore.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "inbox-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :443 through Funnel
// (public, so the provider can reach the webhook) or on :80 inside the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		g.logger.Warn("tailscale funnel disabled - the webhook is only reachable inside the tailnet")
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes optional components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.eventBroadcaster != nil {
		g.eventBroadcaster.Close()
	}
	if g.natsPublisher != nil {
		if err := g.natsPublisher.Close(); err != nil {
			g.logger.Warn("closing NATS publisher", "error", err)
		}
	}
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Closing the broadcaster first ends open SSE streams so Shutdown does not wait on them
	if g.eventBroadcaster != nil {
		g.eventBroadcaster.Close()
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.closeOptionalComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.CountAdminUsers(r.Context()); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
