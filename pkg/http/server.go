package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/metrics"
	"voice-relay/pkg/relay"
	"voice-relay/pkg/telephony"
	"voice-relay/pkg/util"
	"voice-relay/pkg/version"

	"github.com/sirupsen/logrus"
)

const mediaStreamPath = "/media-stream"

// CallRelay runs one call per accepted media stream
type CallRelay interface {
	Handle(ctx context.Context, stream relay.TelephonyStream) error
	ActiveCalls() int64
}

// ConnectionChecker reports broker connectivity for health checks
type ConnectionChecker interface {
	IsConnected() bool
}

// Server serves the telephony webhooks, the media stream websocket and the
// operational endpoints.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	relay      CallRelay
	panics     *util.PanicHandler
	startTime  time.Time
	amqpClient ConnectionChecker

	// calls outlive their HTTP request once the websocket is hijacked
	callCtx    context.Context
	cancelCall context.CancelFunc
	calls      sync.WaitGroup
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config, callRelay CallRelay) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	callCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		config:     config,
		logger:     logger,
		relay:      callRelay,
		panics:     util.NewPanicHandler(logger),
		startTime:  time.Now(),
		callCtx:    callCtx,
		cancelCall: cancel,
	}

	mux := http.NewServeMux()
	server.mux = mux

	// Wrap handlers with middleware that adds Server header
	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	mux.HandleFunc("GET /{$}", addServerHeader(server.rootHandler))
	mux.HandleFunc("/incoming-call", addServerHeader(server.incomingCallHandler))
	mux.HandleFunc("POST /call-status", addServerHeader(server.callStatusHandler))
	mux.HandleFunc("GET "+mediaStreamPath, server.mediaStreamHandler)
	mux.HandleFunc("GET /health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("GET /health/live", addServerHeader(server.LivenessHandler))

	if config.EnableMetrics && metrics.GetRegistry() != nil {
		metrics.RegisterHandler(mux)
		logger.Info("Prometheus metrics endpoint enabled")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetAMQPClient sets the AMQP client reference for health checks
func (s *Server) SetAMQPClient(client ConnectionChecker) {
	s.amqpClient = client
}

// Start listens on the configured port and serves in a goroutine. Bind
// errors are returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("cannot listen on port %d", s.config.Port))
	}
	s.logger.WithField("port", s.config.Port).Info("HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown stops accepting requests, then waits for live calls to finish
// until ctx expires, after which remaining calls are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	err := s.httpServer.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.WithField("active_calls", s.relay.ActiveCalls()).Warn("Cancelling calls still in progress")
		s.cancelCall()
		<-drained
	}
	s.cancelCall()
	return err
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Twilio Media Stream Server is running!"})
}

// mediaStreamHandler upgrades the request and runs the call on it until the
// call ends. The request goroutine is the call's owner.
func (s *Server) mediaStreamHandler(w http.ResponseWriter, r *http.Request) {
	stream, err := telephony.Upgrade(w, r, s.logger, s.config.Stream)
	if err != nil {
		// the upgrader has already replied
		s.logger.WithError(err).Warn("Rejected media stream connection")
		return
	}
	s.logger.WithField("remote_addr", r.RemoteAddr).Info("Media stream connected")

	s.calls.Add(1)
	defer s.calls.Done()

	err = s.panics.Guard("media-stream", func() error {
		return s.relay.Handle(s.callCtx, stream)
	})
	if err != nil {
		s.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Call ended with error")
		stream.Close()
		return
	}
	s.logger.WithField("remote_addr", r.RemoteAddr).Info("Media stream disconnected")
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
