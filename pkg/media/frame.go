// Package media holds the narrowband mu-law frame type shared by the telephony
// and realtime legs of a call, and its base64 wire codec.
package media

import (
	"encoding/base64"
	"strings"
	"time"

	"voice-relay/pkg/errors"
)

const (
	// SampleRate is the G.711 sample rate used by both legs.
	SampleRate = 8000

	// BytesPerMillisecond is the mu-law byte rate: one byte per sample.
	BytesPerMillisecond = SampleRate / 1000

	// FrameDuration is the nominal telephony packetization interval.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the size in bytes of a nominal 20 ms frame.
	FrameSize = int(FrameDuration/time.Millisecond) * BytesPerMillisecond
)

var wireEncoding = base64.StdEncoding.Strict()

// Frame is an immutable chunk of mu-law audio. Frames are never transcoded
// inside the relay; they pass through both legs byte for byte.
type Frame []byte

// Duration reports how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f)) * time.Millisecond / BytesPerMillisecond
}

// Decode turns a base64 wire payload into a frame.
func Decode(wire string) (Frame, error) {
	if wire == "" {
		return nil, errors.NewMalformedFrame("empty payload")
	}
	if strings.ContainsAny(wire, "\r\n") {
		return nil, errors.NewMalformedFrame("payload contains line breaks")
	}

	buf, err := wireEncoding.DecodeString(wire)
	if err != nil {
		return nil, errors.NewMalformedFrame(err.Error(), map[string]interface{}{
			"payload_length": len(wire),
		})
	}
	if len(buf) == 0 {
		return nil, errors.NewMalformedFrame("truncated payload")
	}
	return Frame(buf), nil
}

// Encode renders a frame as its canonical base64 wire payload.
func Encode(f Frame) string {
	return wireEncoding.EncodeToString(f)
}
