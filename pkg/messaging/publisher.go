package messaging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink is a blocking destination for call events.
type Sink interface {
	PublishEvent(event CallEvent) error
}

// AsyncPublisher queues events and hands them to a Sink from one background
// worker. When the queue is full the event is dropped and logged.
type AsyncPublisher struct {
	sink   Sink
	logger *logrus.Logger
	queue  chan CallEvent
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher starts the delivery worker
func NewAsyncPublisher(sink Sink, logger *logrus.Logger, queueSize int) *AsyncPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &AsyncPublisher{
		sink:   sink,
		logger: logger,
		queue:  make(chan CallEvent, queueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish enqueues an event without blocking
func (p *AsyncPublisher) Publish(event CallEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- event:
	default:
		p.logger.WithFields(logrus.Fields{
			"type":     event.Type,
			"call_sid": event.CallSID,
		}).Warn("Call event queue full, dropping event")
	}
}

// Close drains queued events and stops the worker
func (p *AsyncPublisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *AsyncPublisher) run() {
	defer p.wg.Done()
	for event := range p.queue {
		if err := p.sink.PublishEvent(event); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"type":     event.Type,
				"call_sid": event.CallSID,
			}).Warn("Failed to publish call event")
		}
	}
}
