package version

// Version is the current version of the voice relay
const Version = "0.3.1"

// UserAgent returns the User-Agent string for outbound websocket dials
func UserAgent() string {
	return "voice-relay/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "voice-relay/" + Version
}
