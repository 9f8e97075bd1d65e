// Package realtime is a client for the OpenAI realtime websocket API, limited
// to the events a telephony voice relay needs.
package realtime

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/version"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	eventBufferSize         = 64
)

// Client opens realtime sessions. It is safe for concurrent use; every Open
// produces an independent Session.
type Client struct {
	apiKey           string
	url              string
	model            string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	dialer           *websocket.Dialer
	logger           *logrus.Logger
}

// Option configures a Client
type Option func(*Client)

// WithURL overrides the websocket endpoint.
func WithURL(u string) Option {
	return func(c *Client) { c.url = u }
}

// WithModel selects the realtime model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHandshakeTimeout bounds the dial and the session.update handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithWriteTimeout sets the deadline applied to each outbound frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a realtime client
func NewClient(apiKey string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:           apiKey,
		url:              DefaultURL,
		model:            DefaultModel,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.handshakeTimeout,
		}
	}
	return c
}

// Model returns the model requested by Open.
func (c *Client) Model() string {
	return c.model
}

// Open dials the backend, applies cfg and returns once the backend has
// acknowledged it with session.updated. Any failure before that point is an
// ErrConnect, including a backend error event.
func (c *Client) Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	endpoint, err := url.Parse(c.url)
	if err != nil {
		return nil, errors.NewConnectError(err, map[string]interface{}{"url": c.url})
	}
	query := endpoint.Query()
	query.Set("model", c.model)
	endpoint.RawQuery = query.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")
	headers.Set("User-Agent", version.UserAgent())

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		fields := map[string]interface{}{"model": c.model}
		if resp != nil {
			fields["http_status"] = resp.StatusCode
		}
		return nil, errors.NewConnectError(err, fields)
	}

	s := newSession(conn, c.writeTimeout, c.logger.WithFields(logrus.Fields{
		"component": "realtime",
		"model":     c.model,
	}))
	go s.readLoop()

	if err := s.Send(SessionUpdate{Session: cfg}); err != nil {
		s.Close()
		return nil, errors.NewConnectError(err)
	}

	if err := s.awaitSessionUpdated(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.WithField("session_id", s.SessionID()).Info("Realtime session configured")
	return s, nil
}
