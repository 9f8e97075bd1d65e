package http

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
)

// TwiML verbs used by the incoming call webhook.
type (
	twimlResponse struct {
		XMLName xml.Name `xml:"Response"`
		Verbs   []interface{}
	}
	twimlSay struct {
		XMLName xml.Name `xml:"Say"`
		Text    string   `xml:",chardata"`
	}
	twimlPause struct {
		XMLName xml.Name `xml:"Pause"`
		Length  int      `xml:"length,attr"`
	}
	twimlConnect struct {
		XMLName xml.Name    `xml:"Connect"`
		Stream  twimlStream `xml:"Stream"`
	}
	twimlStream struct {
		URL        string           `xml:"url,attr"`
		Parameters []twimlParameter `xml:"Parameter"`
	}
	twimlParameter struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	}
)

// connectStreamTwiML speaks the greeting lines with a one second pause
// between them, then connects the call to the media stream at streamURL.
func connectStreamTwiML(greeting []string, streamURL string, params map[string]string) ([]byte, error) {
	resp := twimlResponse{}
	for i, line := range greeting {
		if i > 0 {
			resp.Verbs = append(resp.Verbs, twimlPause{Length: 1})
		}
		resp.Verbs = append(resp.Verbs, twimlSay{Text: line})
	}

	stream := twimlStream{URL: streamURL}
	for _, name := range []string{"caller", "called"} {
		if v := params[name]; v != "" {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: v})
		}
	}
	resp.Verbs = append(resp.Verbs, twimlConnect{Stream: stream})

	body, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// streamURL builds the websocket URL the platform connects back to.
func (s *Server) streamURL(r *http.Request) string {
	host := s.config.PublicHost
	if host == "" {
		host = r.Host
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	return "wss://" + strings.TrimSuffix(host, "/") + mediaStreamPath
}

func (s *Server) incomingCallHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.ErrorResponse(w, errors.Wrap(errors.ErrInvalidInput, "malformed webhook form", map[string]interface{}{"error": err.Error()}))
		return
	}

	callSID := r.FormValue("CallSid")
	body, err := connectStreamTwiML(s.config.Greeting, s.streamURL(r), map[string]string{
		"caller": r.FormValue("From"),
		"called": r.FormValue("To"),
	})
	if err != nil {
		s.ErrorResponse(w, errors.Wrap(errors.ErrInternalError, "cannot render TwiML", map[string]interface{}{"error": err.Error()}))
		return
	}

	s.logger.WithFields(logrus.Fields{
		"call_sid": callSID,
		"from":     r.FormValue("From"),
	}).Info("Incoming call")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) callStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.ErrorResponse(w, errors.Wrap(errors.ErrInvalidInput, "malformed webhook form", map[string]interface{}{"error": err.Error()}))
		return
	}
	s.logger.WithFields(logrus.Fields{
		"call_sid":      r.FormValue("CallSid"),
		"call_status":   r.FormValue("CallStatus"),
		"call_duration": r.FormValue("CallDuration"),
	}).Info("Call status update")
	w.WriteHeader(http.StatusNoContent)
}
