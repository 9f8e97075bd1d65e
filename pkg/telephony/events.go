package telephony

import (
	"encoding/json"
	"strconv"

	"voice-relay/pkg/errors"
)

// Inbound event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
)

// Outbound event names
const (
	EventClear = "clear"
)

// Event is one inbound Media Streams message. The concrete type is one of
// Connected, Start, Media, MarkAck, DTMF, Stop or Unknown.
type Event interface {
	EventName() string
}

// Connected is the first message after the socket opens.
type Connected struct {
	Protocol string
	Version  string
}

// MediaFormat describes the inbound audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start announces the stream and carries the identifiers of the call.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	CustomParameters map[string]string
	MediaFormat      MediaFormat
}

// Media is one chunk of caller audio. Timestamp is milliseconds since the
// stream started.
type Media struct {
	StreamSID string
	Track     string
	Chunk     int64
	Timestamp int64
	Payload   string
}

// MarkAck reports that playback reached a mark sent earlier.
type MarkAck struct {
	StreamSID string
	Name      string
}

// DTMF is a keypad digit pressed by the caller.
type DTMF struct {
	StreamSID string
	Track     string
	Digit     string
}

// Stop ends the stream.
type Stop struct {
	StreamSID string
	CallSID   string
}

// Unknown is any message with an unrecognized event name.
type Unknown struct {
	Event string
	Raw   json.RawMessage
}

func (Connected) EventName() string { return EventConnected }
func (Start) EventName() string     { return EventStart }
func (Media) EventName() string     { return EventMedia }
func (MarkAck) EventName() string   { return EventMark }
func (DTMF) EventName() string      { return EventDTMF }
func (Stop) EventName() string      { return EventStop }
func (u Unknown) EventName() string { return u.Event }

type inboundMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`

	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
	} `json:"start"`

	Media *struct {
		Track     string          `json:"track"`
		Chunk     json.RawMessage `json:"chunk"`
		Timestamp json.RawMessage `json:"timestamp"`
		Payload   string          `json:"payload"`
	} `json:"media"`

	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`

	DTMF *struct {
		Track string `json:"track"`
		Digit string `json:"digit"`
	} `json:"dtmf"`

	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// ParseEvent decodes one inbound Media Streams message.
func ParseEvent(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "undecodable media stream frame", map[string]interface{}{
			"cause": err.Error(),
		})
	}

	switch msg.Event {
	case EventConnected:
		return Connected{Protocol: msg.Protocol, Version: msg.Version}, nil

	case EventStart:
		if msg.Start == nil {
			return nil, errors.Wrap(errors.ErrInvalidInput, "start event without start block")
		}
		ev := Start{
			StreamSID:        msg.Start.StreamSID,
			CallSID:          msg.Start.CallSID,
			AccountSID:       msg.Start.AccountSID,
			Tracks:           msg.Start.Tracks,
			CustomParameters: msg.Start.CustomParameters,
			MediaFormat:      msg.Start.MediaFormat,
		}
		if ev.StreamSID == "" {
			ev.StreamSID = msg.StreamSID
		}
		return ev, nil

	case EventMedia:
		if msg.Media == nil {
			return nil, errors.Wrap(errors.ErrInvalidInput, "media event without media block")
		}
		return Media{
			StreamSID: msg.StreamSID,
			Track:     msg.Media.Track,
			Chunk:     looseInt(msg.Media.Chunk),
			Timestamp: looseInt(msg.Media.Timestamp),
			Payload:   msg.Media.Payload,
		}, nil

	case EventMark:
		ev := MarkAck{StreamSID: msg.StreamSID}
		if msg.Mark != nil {
			ev.Name = msg.Mark.Name
		}
		return ev, nil

	case EventDTMF:
		ev := DTMF{StreamSID: msg.StreamSID}
		if msg.DTMF != nil {
			ev.Track = msg.DTMF.Track
			ev.Digit = msg.DTMF.Digit
		}
		return ev, nil

	case EventStop:
		ev := Stop{StreamSID: msg.StreamSID}
		if msg.Stop != nil {
			ev.CallSID = msg.Stop.CallSID
		}
		return ev, nil

	case "":
		return nil, errors.Wrap(errors.ErrInvalidInput, "media stream frame without event")

	default:
		return Unknown{Event: msg.Event, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// looseInt accepts both "123" and 123; the platform sends numbers as strings.
func looseInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	var n int64
	json.Unmarshal(raw, &n)
	return n
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
