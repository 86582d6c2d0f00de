package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mlatt/aviary/internal/observability"
	"github.com/mlatt/aviary/pkg/agent"
	"github.com/mlatt/aviary/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const authStateTTL = 10 * time.Minute

// Options configures the gateway server
type Options struct {
	Host           string
	Port           int
	Service        QueryService
	Store          *store.Store
	OAuth          *oauth2.Config
	TwitterBaseURL string // override for tests
	Logger         zerolog.Logger
}

type pendingAuth struct {
	verifier string
	expires  time.Time
}

// Server is the HTTP gateway
type Server struct {
	options   Options
	server    *http.Server
	handler   http.Handler
	logger    zerolog.Logger
	startTime time.Time

	broadcaster *broadcaster

	authMu       sync.Mutex
	pendingAuths map[string]pendingAuth

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the gateway server
func NewServer(options Options) (*Server, error) {
	if options.Service == nil {
		return nil, fmt.Errorf("query service is required")
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.Port == 0 {
		options.Port = 8000
	}

	observability.EnsureRegistered()

	s := &Server{
		options:      options,
		logger:       options.Logger,
		startTime:    time.Now(),
		broadcaster:  newBroadcaster(options.Logger),
		pendingAuths: make(map[string]pendingAuth),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/agent/query", s.handleQuery)
	mux.HandleFunc("/agent/sessions", s.handleSessions)
	mux.HandleFunc("/agent/sessions/", s.handleSession)
	mux.HandleFunc("/agent/stream", s.handleStream)
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/callback", s.handleCallback)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())

	s.handler = withRequestID(withLogging(s.logger, s.trackInFlight(mux)))

	return s, nil
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// PublishAction broadcasts one completed tool action to stream subscribers.
// Safe for concurrent use; never blocks.
func (s *Server) PublishAction(sessionKey string, record agent.ActionRecord) {
	s.broadcaster.publish("agent.action", map[string]interface{}{
		"session_key": sessionKey,
		"tool":        record.Tool,
		"input":       record.Input,
		"output":      record.Output,
		"success":     record.Success,
	})
}

// Start runs the server until Stop or listener failure
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting gateway server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	return nil
}

// Stop drains in-flight requests, closes stream subscribers and shuts the
// listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.close()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// trackInFlight rejects new requests during shutdown and counts the rest
func (s *Server) trackInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rememberAuth(state, verifier string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	now := time.Now()
	for k, p := range s.pendingAuths {
		if now.After(p.expires) {
			delete(s.pendingAuths, k)
		}
	}

	s.pendingAuths[state] = pendingAuth{verifier: verifier, expires: now.Add(authStateTTL)}
}

// takeAuth consumes the pending auth for state; states are single-use
func (s *Server) takeAuth(state string) (string, bool) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	p, ok := s.pendingAuths[state]
	if !ok {
		return "", false
	}
	delete(s.pendingAuths, state)

	if time.Now().After(p.expires) {
		return "", false
	}
	return p.verifier, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
