// ABOUTME: NATS publisher for change notifications
// ABOUTME: Lets other services follow inbox activity without polling the HTTP API

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn the publisher uses
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each Update as JSON on "<subject>.<kind>".
type NATSPublisher struct {
	conn    publisher
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials the server at url and returns a publisher for subject.
// The connection reconnects forever; publish failures are logged, not returned.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name("inbox-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrl(), "subject", subject)
	return &NATSPublisher{conn: nc, nc: nc, subject: subject, logger: logger}, nil
}

// Notify implements Notifier.
func (p *NATSPublisher) Notify(_ context.Context, u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		p.logger.Error("encoding update", "error", err)
		return
	}

	subject := p.subject + "." + string(u.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publishing update", "subject", subject, "error", err)
	}
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}
