package session

import (
	"sync"
	"time"

	"github.com/mlatt/aviary/pkg/tools"
	"github.com/mlatt/aviary/pkg/twitter"
)

// maxHistoryTurns bounds the rolling conversation history per session
const maxHistoryTurns = 100

// Turn is a single conversation turn kept in session history
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session bundles the per-user resources the agent needs: an authenticated
// Twitter client, the tool registry bound to it, and conversation history.
type Session struct {
	Key    string
	Client twitter.Client
	Tools  *tools.Registry

	mu         sync.Mutex
	createdAt  time.Time
	lastAccess time.Time
	history    []Turn

	now func() time.Time
}

func newSession(key string, client twitter.Client, registry *tools.Registry, now func() time.Time) *Session {
	ts := now()
	return &Session{
		Key:        key,
		Client:     client,
		Tools:      registry,
		createdAt:  ts,
		lastAccess: ts,
		now:        now,
	}
}

// Touch pushes the idle deadline forward
func (s *Session) Touch() {
	s.TouchAt(s.now())
}

// TouchAt records an access at an explicit time
func (s *Session) TouchAt(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.After(s.lastAccess) {
		s.lastAccess = ts
	}
}

// LastAccess returns the time of the most recent acquire or touch
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// CreatedAt returns when the session was initialized
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// IdleFor reports how long the session has gone without access
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastAccess)
}

// AppendTurn records one conversation turn, dropping the oldest turns once
// the history cap is reached.
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, Turn{
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	})
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
}

// History returns a copy of the conversation history
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}
