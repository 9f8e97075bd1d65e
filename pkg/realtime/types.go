package realtime

const (
	// DefaultURL is the realtime websocket endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	// DefaultVoice is the assistant voice used when none is configured.
	DefaultVoice = "alloy"

	// DefaultTemperature is the sampling temperature used when none is configured.
	DefaultTemperature = 0.8
)

// Audio formats
const (
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatPCM16    = "pcm16"
)

// Turn detection modes
const (
	VADServerVAD = "server_vad"
)

// Modalities
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

// TurnDetection configures server side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Tool is a function the model may call. Parameters holds a JSON schema.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

// DefaultSessionConfig returns a configuration for mu-law telephony audio in
// both directions with server VAD.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:        []string{ModalityText, ModalityAudio},
		Voice:             DefaultVoice,
		InputAudioFormat:  AudioFormatG711ULaw,
		OutputAudioFormat: AudioFormatG711ULaw,
		TurnDetection:     &TurnDetection{Type: VADServerVAD},
		Temperature:       DefaultTemperature,
	}
}
