package realtime

import (
	"encoding/json"

	"voice-relay/pkg/errors"
)

// Client event types
const (
	EventTypeSessionUpdate            = "session.update"
	EventTypeInputAudioBufferAppend   = "input_audio_buffer.append"
	EventTypeConversationItemCreate   = "conversation.item.create"
	EventTypeConversationItemTruncate = "conversation.item.truncate"
	EventTypeResponseCreate           = "response.create"
)

// Server event types
const (
	EventTypeError                             = "error"
	EventTypeSessionCreated                    = "session.created"
	EventTypeSessionUpdated                    = "session.updated"
	EventTypeInputAudioBufferCommitted         = "input_audio_buffer.committed"
	EventTypeInputAudioBufferSpeechStarted     = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped     = "input_audio_buffer.speech_stopped"
	EventTypeResponseDone                      = "response.done"
	EventTypeResponseContentDone               = "response.content.done"
	EventTypeResponseAudioDelta                = "response.audio.delta"
	EventTypeResponseFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventTypeRateLimitsUpdated                 = "rate_limits.updated"
)

// InboundEvent is one decoded server event. The concrete type is one of
// SessionUpdated, AudioDelta, SpeechStarted, ResponseDone,
// FunctionCallArgumentsDone, ErrorEvent, Unhandled or SessionClosed.
type InboundEvent interface {
	EventType() string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	SessionID string
}

// AudioDelta carries one chunk of assistant audio, base64 encoded.
type AudioDelta struct {
	ResponseID   string
	ItemID       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

// SpeechStarted is emitted by server VAD when the caller starts talking.
type SpeechStarted struct {
	AudioStartMs int64
	ItemID       string
}

// ResponseDone closes a response. ItemIDs lists its output items.
type ResponseDone struct {
	ResponseID string
	Status     string
	ItemIDs    []string
}

// FunctionCallArgumentsDone asks the client to run a tool.
type FunctionCallArgumentsDone struct {
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
}

// ErrorEvent is a backend error report.
type ErrorEvent struct {
	ErrorType string
	Code      string
	Message   string
	Param     string
	EventID   string
}

// Unhandled is any server event the relay does not act on.
type Unhandled struct {
	Type string
	Raw  json.RawMessage
}

// SessionClosed is always the last event of a session. Err is nil when the
// session was closed locally.
type SessionClosed struct {
	Err error
}

func (SessionUpdated) EventType() string            { return EventTypeSessionUpdated }
func (AudioDelta) EventType() string                { return EventTypeResponseAudioDelta }
func (SpeechStarted) EventType() string             { return EventTypeInputAudioBufferSpeechStarted }
func (ResponseDone) EventType() string              { return EventTypeResponseDone }
func (FunctionCallArgumentsDone) EventType() string { return EventTypeResponseFunctionCallArgumentsDone }
func (ErrorEvent) EventType() string                { return EventTypeError }
func (u Unhandled) EventType() string               { return u.Type }
func (SessionClosed) EventType() string             { return "session.closed" }

// Error implements error so a handshake failure can carry the backend report.
func (e ErrorEvent) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

type wireEvent struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
	AudioStartMs int64  `json:"audio_start_ms"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session"`

	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Output []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"output"`
	} `json:"response"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
		EventID string `json:"event_id"`
	} `json:"error"`
}

// ParseEvent decodes one server frame.
func ParseEvent(data []byte) (InboundEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "undecodable realtime frame", map[string]interface{}{
			"cause": err.Error(),
		})
	}
	if w.Type == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "realtime frame without type")
	}

	switch w.Type {
	case EventTypeSessionUpdated:
		ev := SessionUpdated{}
		if w.Session != nil {
			ev.SessionID = w.Session.ID
		}
		return ev, nil

	case EventTypeResponseAudioDelta:
		return AudioDelta{
			ResponseID:   w.ResponseID,
			ItemID:       w.ItemID,
			OutputIndex:  w.OutputIndex,
			ContentIndex: w.ContentIndex,
			Delta:        w.Delta,
		}, nil

	case EventTypeInputAudioBufferSpeechStarted:
		return SpeechStarted{AudioStartMs: w.AudioStartMs, ItemID: w.ItemID}, nil

	case EventTypeResponseDone:
		ev := ResponseDone{}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.Status = w.Response.Status
			for _, item := range w.Response.Output {
				ev.ItemIDs = append(ev.ItemIDs, item.ID)
			}
		}
		return ev, nil

	case EventTypeResponseFunctionCallArgumentsDone:
		return FunctionCallArgumentsDone{
			ResponseID: w.ResponseID,
			ItemID:     w.ItemID,
			CallID:     w.CallID,
			Name:       w.Name,
			Arguments:  w.Arguments,
		}, nil

	case EventTypeError:
		ev := ErrorEvent{EventID: w.EventID}
		if w.Error != nil {
			ev.ErrorType = w.Error.Type
			ev.Code = w.Error.Code
			ev.Message = w.Error.Message
			ev.Param = w.Error.Param
			if w.Error.EventID != "" {
				ev.EventID = w.Error.EventID
			}
		}
		return ev, nil

	default:
		return Unhandled{Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// sessionIDFromCreated extracts the id of a session.created frame.
func sessionIDFromCreated(raw json.RawMessage) string {
	var w struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return ""
	}
	return w.Session.ID
}
