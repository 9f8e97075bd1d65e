package messaging

import "time"

// Call event types
const (
	EventCallStarted      = "call.started"
	EventCallInterrupted  = "call.interrupted"
	EventCallFunctionCall = "call.function_call"
	EventCallEnded        = "call.ended"
)

// CallEvent is one lifecycle notification for a bridged call. It never
// carries audio or transcript content.
type CallEvent struct {
	Type      string                 `json:"type"`
	CallSID   string                 `json:"call_sid,omitempty"`
	StreamSID string                 `json:"stream_sid,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher delivers call events. Implementations must not block the caller
// for longer than it takes to enqueue the event.
type Publisher interface {
	Publish(event CallEvent)
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(CallEvent) {}
func (NopPublisher) Close()            {}
