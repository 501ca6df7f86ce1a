// Package bus wraps the NATS connection shared by all Netboot Studio
// services.
//
// Every process connects with a unique client name; the name doubles as
// the sender id on published messages so subscribers can ignore their own
// updates. Delivery is at-most-once, best-effort: no persistence, no
// ordering across topics.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// Handler receives decoded messages for one subscription. Handlers run on
// the connection's delivery goroutine; long work must be moved elsewhere.
type Handler func(*message.Message)

// Options configures a bus client.
type Options struct {
	// Service is the short service name (nbs-api, nbs-tftp, nbs-watcher);
	// the client name is Service plus a random suffix.
	Service string

	// URL is the broker address, e.g. "tls://netboot.example.com:4222".
	URL string

	User     string
	Password string

	// CAFile enables TLS verification against the given bundle when set.
	CAFile string

	// ConnectTimeout bounds the initial dial, retries included.
	// Defaults to 30s.
	ConnectTimeout time.Duration
}

// Client is a connected bus participant.
type Client struct {
	name string
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the broker, retrying with exponential back-off until the
// connect timeout is exhausted.
func Connect(opts Options) (*Client, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	name := fmt.Sprintf("%s-%s", opts.Service, uuid.NewString()[:8])

	natsOpts := []nats.Option{
		nats.Name(name),
		nats.UserInfo(opts.User, opts.Password),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "client", name, "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "client", name, "server", nc.ConnectedUrl())
		}),
	}
	if opts.CAFile != "" {
		natsOpts = append(natsOpts, nats.RootCAs(opts.CAFile))
	}

	var conn *nats.Conn
	dial := func() error {
		var err error
		conn, err = nats.Connect(opts.URL, natsOpts...)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = opts.ConnectTimeout
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", opts.URL, err)
	}

	logger.Info("connected to broker", "client", name, "server", conn.ConnectedUrl())
	return &Client{name: name, conn: conn}, nil
}

// Name returns the unique client name used as the sender id.
func (c *Client) Name() string {
	return c.name
}

// Publish sends m on topic. The message's sender is stamped with the
// client name when unset; its id is left alone.
func (c *Client) Publish(topic string, m *message.Message) error {
	if m.Sender == "" {
		m.Sender = c.name
	}
	m.Topic = topic

	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := c.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	if mtr := metrics.Core(); mtr != nil {
		mtr.BusMessages.WithLabelValues("publish", topic).Inc()
	}
	return nil
}

// Subscribe registers h for topic. Messages published by this client are
// suppressed; malformed payloads are logged and dropped.
func (c *Client) Subscribe(topic string, h Handler) error {
	sub, err := c.conn.Subscribe(topic, func(nm *nats.Msg) {
		c.handleInbound(topic, h, nm.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// handleInbound decodes a raw frame, drops self-echo and garbage, and
// hands the rest to the handler.
func (c *Client) handleInbound(topic string, h Handler, data []byte) {
	m, err := message.Unmarshal(data)
	if err != nil {
		logger.Warn("dropping malformed bus message", "topic", topic, "error", err)
		return
	}
	if m.Sender == c.name {
		return
	}
	if mtr := metrics.Core(); mtr != nil {
		mtr.BusMessages.WithLabelValues("receive", topic).Inc()
	}
	h(m)
}

// Close drains subscriptions and closes the connection. Safe to call on a
// client that already closed.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !c.conn.IsClosed() {
			logger.Debug("unsubscribe failed during close", "error", err)
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
}
