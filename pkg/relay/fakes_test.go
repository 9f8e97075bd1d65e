package relay

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/media"
	"voice-relay/pkg/messaging"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/telephony"
)

type sentFrame struct {
	Event     string
	StreamSID string
	Payload   string
	Mark      string
}

// fakeStream is a scripted telephony leg.
type fakeStream struct {
	events   chan telephony.Event
	closedCh chan struct{}
	once     sync.Once
	closes   atomic.Int32

	mu       sync.Mutex
	sent     []sentFrame
	err      error
	failSend string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events:   make(chan telephony.Event, 256),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeStream) push(evs ...telephony.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// drop simulates the platform disconnecting without a stop event.
func (s *fakeStream) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

func (s *fakeStream) Events() iter.Seq[telephony.Event] {
	return func(yield func(telephony.Event) bool) {
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				if !yield(ev) {
					return
				}
				if _, stop := ev.(telephony.Stop); stop {
					return
				}
			case <-s.closedCh:
				return
			}
		}
	}
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) record(f sentFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
		return errors.NewSendError("telephony", context.Canceled)
	default:
	}
	if s.failSend == f.Event {
		return errors.NewSendError("telephony", context.DeadlineExceeded)
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeStream) SendMedia(streamSID string, frame media.Frame) error {
	return s.record(sentFrame{Event: "media", StreamSID: streamSID, Payload: media.Encode(frame)})
}

func (s *fakeStream) SendMark(streamSID, name string) error {
	return s.record(sentFrame{Event: "mark", StreamSID: streamSID, Mark: name})
}

func (s *fakeStream) SendClear(streamSID string) error {
	return s.record(sentFrame{Event: "clear", StreamSID: streamSID})
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *fakeStream) frames(event string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentFrame
	for _, f := range s.sent {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// fakeSession is a scripted AI leg that behaves like realtime.Session: it
// yields exactly one SessionClosed at the end.
type fakeSession struct {
	events   chan realtime.InboundEvent
	closedCh chan struct{}
	once     sync.Once
	closes   atomic.Int32

	mu       sync.Mutex
	sent     []realtime.OutboundEvent
	closeErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:   make(chan realtime.InboundEvent, 256),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeSession) push(evs ...realtime.InboundEvent) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// hangUp simulates the backend ending the session.
func (s *fakeSession) hangUp(err error) {
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	close(s.events)
}

func (s *fakeSession) Events() iter.Seq[realtime.InboundEvent] {
	return func(yield func(realtime.InboundEvent) bool) {
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					s.mu.Lock()
					err := s.closeErr
					s.mu.Unlock()
					yield(realtime.SessionClosed{Err: errors.NewSessionClosed(err)})
					return
				}
				if !yield(ev) {
					return
				}
			case <-s.closedCh:
				yield(realtime.SessionClosed{})
				return
			}
		}
	}
}

func (s *fakeSession) Send(ev realtime.OutboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
		return errors.NewSendError("realtime", context.Canceled)
	default:
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *fakeSession) outbound() []realtime.OutboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.OutboundEvent(nil), s.sent...)
}

func (s *fakeSession) count(eventType string) int {
	n := 0
	for _, ev := range s.outbound() {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

// staticOpener hands out one prepared session, or fails.
type staticOpener struct {
	session *fakeSession
	err     error
	opened  atomic.Int32

	mu  sync.Mutex
	cfg realtime.SessionConfig
}

func (o *staticOpener) Open(ctx context.Context, cfg realtime.SessionConfig) (AISession, error) {
	o.opened.Add(1)
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ev messaging.CallEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}
