// Package telephony terminates the duplex Media Streams websocket a telephony
// platform opens for each call.
package telephony

import (
	stderrors "errors"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/media"
)

var errLocallyClosed = stderrors.New("stream closed locally")

// Options configures a Stream
type Options struct {
	// WriteTimeout bounds each outbound frame. Zero disables the deadline.
	WriteTimeout time.Duration

	// ReadLimit caps the size of one inbound message. Zero keeps the default.
	ReadLimit int64
}

// DefaultOptions returns the options used by the HTTP server.
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 5 * time.Second,
		ReadLimit:    512 * 1024,
	}
}

// Upgrader accepts media stream connections. The platform connects server to
// server, so no origin check applies.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream is one duplex media stream. Send methods may be called from any
// goroutine; Events must be consumed by a single reader.
type Stream struct {
	conn   *websocket.Conn
	opts   Options
	logger *logrus.Entry

	writeMu sync.Mutex

	mu      sync.Mutex
	readErr error

	closed    atomic.Bool
	consumed  atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Upgrade accepts the websocket on w and wraps it in a Stream.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, opts Options) (*Stream, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "media stream upgrade failed", map[string]interface{}{
			"cause":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
	}
	entry := logger.WithFields(logrus.Fields{
		"component":   "telephony",
		"remote_addr": r.RemoteAddr,
	})
	return NewStream(conn, entry, opts), nil
}

// NewStream wraps an established websocket connection.
func NewStream(conn *websocket.Conn, logger *logrus.Entry, opts Options) *Stream {
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &Stream{conn: conn, opts: opts, logger: logger}
}

// Events reads and yields inbound messages. The sequence ends after a Stop
// or when the connection fails; Err reports which. Undecodable messages are
// logged and skipped. Only the first call yields anything.
func (s *Stream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			return
		}
		for {
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
				return
			}

			ev, err := ParseEvent(message)
			if err != nil {
				s.logger.WithError(err).Warn("Skipping media stream frame")
				continue
			}

			if _, ok := ev.(Stop); ok {
				s.stopped.Store(true)
				yield(ev)
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Err reports why Events ended. It is nil after a Stop or a local Close and
// wraps ErrStreamClosed when the connection dropped.
func (s *Stream) Err() error {
	if s.stopped.Load() || s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		return nil
	}
	return errors.Wrap(errors.ErrStreamClosed, s.readErr.Error())
}

// SendMedia plays one frame of audio to the caller.
func (s *Stream) SendMedia(streamSID string, frame media.Frame) error {
	msg := outboundMedia{Event: EventMedia, StreamSID: streamSID}
	msg.Media.Payload = media.Encode(frame)
	return s.write(EventMedia, msg)
}

// SendMark asks the platform to acknowledge when playback reaches this point.
func (s *Stream) SendMark(streamSID, name string) error {
	msg := outboundMark{Event: EventMark, StreamSID: streamSID}
	msg.Mark.Name = name
	return s.write(EventMark, msg)
}

// SendClear discards audio buffered on the platform but not yet played.
func (s *Stream) SendClear(streamSID string) error {
	return s.write(EventClear, outboundClear{Event: EventClear, StreamSID: streamSID})
}

func (s *Stream) write(event string, msg interface{}) error {
	if s.closed.Load() {
		return errors.NewSendError("telephony", errLocallyClosed, map[string]interface{}{"event": event})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return errors.NewSendError("telephony", err, map[string]interface{}{"event": event})
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
