// Package relay bridges one telephony media stream to one realtime AI
// session for the lifetime of a call.
package relay

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voice-relay/pkg/media"
	"voice-relay/pkg/messaging"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/telephony"
	"voice-relay/pkg/tools"
	"voice-relay/pkg/util"
)

// AISession is the realtime leg of a call.
type AISession interface {
	Send(ev realtime.OutboundEvent) error
	Events() iter.Seq[realtime.InboundEvent]
	Close() error
}

// SessionOpener opens a configured AI session.
type SessionOpener interface {
	Open(ctx context.Context, cfg realtime.SessionConfig) (AISession, error)
}

// OpenerFunc adapts a function to SessionOpener.
type OpenerFunc func(ctx context.Context, cfg realtime.SessionConfig) (AISession, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg realtime.SessionConfig) (AISession, error) {
	return f(ctx, cfg)
}

// RealtimeOpener opens sessions with a realtime client.
func RealtimeOpener(client *realtime.Client) SessionOpener {
	return OpenerFunc(func(ctx context.Context, cfg realtime.SessionConfig) (AISession, error) {
		session, err := client.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}

// TelephonyStream is the telephony leg of a call.
type TelephonyStream interface {
	Events() iter.Seq[telephony.Event]
	Err() error
	SendMedia(streamSID string, frame media.Frame) error
	SendMark(streamSID, name string) error
	SendClear(streamSID string) error
	Close() error
}

// ToolInvoker runs a named tool. *tools.Registry implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, arguments string) (tools.Result, error)
	Lookup(name string) (tools.Tool, bool)
}

// Config holds per-call behaviour shared by every call of a Relay.
type Config struct {
	// Session is sent with session.update when a call starts.
	Session realtime.SessionConfig

	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration

	// ClearOnBargeIn flushes audio buffered on the telephony side when the
	// caller interrupts.
	ClearOnBargeIn bool
}

// DefaultConfig returns the standard relay configuration.
func DefaultConfig() Config {
	return Config{
		Session:        realtime.DefaultSessionConfig(),
		ToolTimeout:    10 * time.Second,
		ClearOnBargeIn: true,
	}
}

// Relay creates and runs calls. It holds no per-call state.
type Relay struct {
	opener    SessionOpener
	tools     ToolInvoker
	publisher messaging.Publisher
	panics    *util.PanicHandler
	logger    *logrus.Logger
	config    Config
	active    atomic.Int64
}

// Option configures a Relay
type Option func(*Relay)

// WithTools enables function calling through invoker.
func WithTools(invoker ToolInvoker) Option {
	return func(r *Relay) { r.tools = invoker }
}

// WithPublisher sends call lifecycle events to p.
func WithPublisher(p messaging.Publisher) Option {
	return func(r *Relay) { r.publisher = p }
}

// New creates a relay
func New(opener SessionOpener, logger *logrus.Logger, config Config, opts ...Option) *Relay {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 10 * time.Second
	}
	r := &Relay{
		opener:    opener,
		publisher: messaging.NopPublisher{},
		panics:    util.NewPanicHandler(logger),
		logger:    logger,
		config:    config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle runs one call on stream until it ends.
func (r *Relay) Handle(ctx context.Context, stream TelephonyStream) error {
	r.active.Add(1)
	defer r.active.Add(-1)
	return r.NewCall(stream).Run(ctx)
}

// ActiveCalls returns the number of calls currently being handled.
func (r *Relay) ActiveCalls() int64 {
	return r.active.Load()
}
