package realtime

import (
	"encoding/json"

	"github.com/google/uuid"

	"voice-relay/pkg/media"
)

// OutboundEvent is one client event. Marshal renders it with its type and a
// fresh event id.
type OutboundEvent interface {
	EventType() string
	body() map[string]interface{}
}

// SessionUpdate configures the session.
type SessionUpdate struct {
	Session SessionConfig
}

// AudioAppend appends caller audio to the input buffer.
type AudioAppend struct {
	Audio media.Frame
}

// ConversationItem is the item of a conversation.item.create event.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ConversationItemCreate adds an item to the conversation.
type ConversationItemCreate struct {
	Item ConversationItem
}

// ResponseCreate asks the model to respond.
type ResponseCreate struct{}

// Truncate tells the backend how much of an assistant item the caller heard.
type Truncate struct {
	ItemID       string
	ContentIndex int
	AudioEndMs   int64
}

// FunctionCallOutput builds the item that returns a tool result to the model.
func FunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{Item: ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}}
}

func (SessionUpdate) EventType() string          { return EventTypeSessionUpdate }
func (AudioAppend) EventType() string            { return EventTypeInputAudioBufferAppend }
func (ConversationItemCreate) EventType() string { return EventTypeConversationItemCreate }
func (ResponseCreate) EventType() string         { return EventTypeResponseCreate }
func (Truncate) EventType() string               { return EventTypeConversationItemTruncate }

func (e SessionUpdate) body() map[string]interface{} {
	return map[string]interface{}{"session": e.Session}
}

func (e AudioAppend) body() map[string]interface{} {
	return map[string]interface{}{"audio": media.Encode(e.Audio)}
}

func (e ConversationItemCreate) body() map[string]interface{} {
	return map[string]interface{}{"item": e.Item}
}

func (ResponseCreate) body() map[string]interface{} {
	return map[string]interface{}{}
}

func (e Truncate) body() map[string]interface{} {
	return map[string]interface{}{
		"item_id":       e.ItemID,
		"content_index": e.ContentIndex,
		"audio_end_ms":  e.AudioEndMs,
	}
}

// generateEventID generates a unique client event id.
func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

// Marshal renders an outbound event as a JSON frame.
func Marshal(ev OutboundEvent) ([]byte, error) {
	frame := ev.body()
	frame["type"] = ev.EventType()
	frame["event_id"] = generateEventID()
	return json.Marshal(frame)
}
