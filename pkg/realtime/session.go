package realtime

import (
	"context"
	stderrors "errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
)

var errLocallyClosed = stderrors.New("session closed locally")

// loggedEventTypes are surfaced at info level; everything else at debug.
var loggedEventTypes = map[string]bool{
	EventTypeError:                         true,
	EventTypeResponseContentDone:           true,
	EventTypeRateLimitsUpdated:             true,
	EventTypeResponseDone:                  true,
	EventTypeInputAudioBufferCommitted:     true,
	EventTypeInputAudioBufferSpeechStopped: true,
	EventTypeInputAudioBufferSpeechStarted: true,
	EventTypeSessionCreated:                true,
}

// Session is one realtime conversation. Send may be called from any
// goroutine; Events must be consumed by a single reader.
type Session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *logrus.Entry

	events  chan InboundEvent
	done    chan struct{}
	pending []InboundEvent

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	readErr   error

	closed    atomic.Bool
	consumed  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration, logger *logrus.Entry) *Session {
	return &Session{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		events:       make(chan InboundEvent, eventBufferSize),
		done:         make(chan struct{}),
	}
}

// SessionID returns the id reported by session.created or session.updated.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) setSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Send writes one event. After Close, or after any write failure, it returns
// ErrSend.
func (s *Session) Send(ev OutboundEvent) error {
	if s.closed.Load() {
		return errors.NewSendError("realtime", errLocallyClosed)
	}

	data, err := Marshal(ev)
	if err != nil {
		return errors.NewSendError("realtime", err, map[string]interface{}{"event_type": ev.EventType()})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.NewSendError("realtime", err, map[string]interface{}{"event_type": ev.EventType()})
	}

	if ev.EventType() != EventTypeInputAudioBufferAppend {
		s.logger.WithField("type", ev.EventType()).Debug("Sent realtime event")
	}
	return nil
}

// Events yields inbound events until the connection ends, then exactly one
// SessionClosed. Only the first call yields anything.
func (s *Session) Events() iter.Seq[InboundEvent] {
	return func(yield func(InboundEvent) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			return
		}

		for _, ev := range s.pending {
			if !yield(ev) {
				return
			}
		}
		s.pending = nil

		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					yield(SessionClosed{Err: s.terminalError()})
					return
				}
				if !yield(ev) {
					return
				}
			case <-s.done:
				yield(SessionClosed{})
				return
			}
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) terminalError() error {
	if s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		return nil
	}
	return errors.NewSessionClosed(s.readErr)
}

// awaitSessionUpdated consumes events until the backend acknowledges the
// session configuration. Events that arrive first are kept for Events.
func (s *Session) awaitSessionUpdated(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.NewConnectError(ctx.Err(), map[string]interface{}{"stage": "session.update"})

		case ev, ok := <-s.events:
			if !ok {
				err := s.terminalError()
				if err == nil {
					err = errLocallyClosed
				}
				return errors.NewConnectError(err, map[string]interface{}{"stage": "session.update"})
			}

			switch ev := ev.(type) {
			case SessionUpdated:
				s.setSessionID(ev.SessionID)
				return nil
			case ErrorEvent:
				return errors.NewConnectError(ev, map[string]interface{}{
					"stage": "session.update",
					"code":  ev.Code,
				})
			default:
				s.pending = append(s.pending, ev)
			}
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			if !s.closed.Load() {
				s.logger.WithError(err).Info("Realtime connection closed")
			}
			return
		}

		ev, err := ParseEvent(message)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping realtime frame")
			continue
		}

		s.logEvent(ev)

		if u, ok := ev.(Unhandled); ok && u.Type == EventTypeSessionCreated {
			s.setSessionID(sessionIDFromCreated(u.Raw))
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Session) logEvent(ev InboundEvent) {
	entry := s.logger.WithField("type", ev.EventType())
	switch ev := ev.(type) {
	case AudioDelta:
		entry.WithField("item_id", ev.ItemID).Trace("Received audio delta")
	case ErrorEvent:
		entry.WithFields(logrus.Fields{
			"code":    ev.Code,
			"message": ev.Message,
		}).Warn("Realtime backend reported an error")
	default:
		if loggedEventTypes[ev.EventType()] {
			entry.Info("Received realtime event")
		} else {
			entry.Debug("Received realtime event")
		}
	}
}
