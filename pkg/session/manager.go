package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mlatt/aviary/internal/observability"
	"github.com/mlatt/aviary/pkg/tools"
	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
)

// DefaultMaxIdle is how long a session may go unused before it is reaped
const DefaultMaxIdle = time.Hour

// Factory builds the per-user resources for a new session. It is called at
// most once per key at a time; its error is returned to every waiter but the
// entry is not cached.
type Factory func(ctx context.Context, key string) (twitter.Client, *tools.Registry, error)

// InitError reports a failed session initialization
type InitError struct {
	Key string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize session %s: %v", e.Key, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// DeriveKey maps user identity onto a session key. The internal user ID takes
// precedence over the Twitter user ID.
func DeriveKey(userID int64, twitterUserID string) (string, error) {
	if userID > 0 {
		return fmt.Sprintf("user_%d", userID), nil
	}
	if twitterUserID != "" {
		return "twitter_" + twitterUserID, nil
	}
	return "", fmt.Errorf("either user_id or twitter_user_id is required")
}

type entry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

// Manager caches live sessions and reaps the ones that go idle
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxIdle time.Duration
	logger  zerolog.Logger

	// now is swappable for deterministic reap tests; read it via timeNow
	now func() time.Time

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager. maxIdle <= 0 falls back to
// DefaultMaxIdle.
func NewManager(maxIdle time.Duration, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()

	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}

	m := &Manager{
		entries: make(map[string]*entry),
		maxIdle: maxIdle,
		logger:  logger,
		now:     time.Now,
		closed:  make(chan struct{}),
	}

	logger.Info().Dur("max_idle", maxIdle).Msg("Session manager initialized")

	return m
}

func (m *Manager) timeNow() time.Time {
	m.mu.Lock()
	now := m.now
	m.mu.Unlock()
	return now()
}

func (m *Manager) idleFor(s *Session) time.Duration {
	return m.timeNow().Sub(s.LastAccess())
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// Acquire returns the live session for key, creating it with factory when
// absent. Concurrent acquires for the same key block on one factory call.
// On success the session's idle deadline is pushed forward and an expiry
// watcher is scheduled for new sessions.
func (m *Manager) Acquire(ctx context.Context, key string, factory Factory) (*Session, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err != nil {
			// The failed entry is already evicted; surface the
			// initializer's error to this waiter.
			return nil, &InitError{Key: key, Err: e.err}
		}

		e.sess.TouchAt(m.timeNow())
		return e.sess, nil
	}

	e := &entry{ready: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	start := m.timeNow()
	client, registry, err := factory(ctx, key)
	if err != nil {
		e.err = err
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		close(e.ready)

		observability.RecordSessionInitFailure()
		m.logger.Error().Str("session_key", key).Err(err).Msg("Session initialization failed")

		return nil, &InitError{Key: key, Err: err}
	}

	e.sess = newSession(key, client, registry, m.timeNow)
	close(e.ready)

	m.mu.Lock()
	active := len(m.entries)
	m.mu.Unlock()

	observability.RecordSessionCreated(m.timeNow().Sub(start))
	observability.SetActiveSessions(active)
	m.logger.Info().Str("session_key", key).Int("active", active).Msg("Session created")

	m.watchExpiry(key, e.sess)

	return e.sess, nil
}

// watchExpiry schedules the per-session idle watcher. The watcher wakes at
// the current idle deadline and either reaps the session or re-arms for the
// remaining idle time.
func (m *Manager) watchExpiry(key string, sess *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			remaining := m.maxIdle - m.idleFor(sess)
			if remaining <= 0 {
				if m.reapIfIdle(key, sess) {
					return
				}
				// Touched concurrently, or idle for exactly the
				// window, which does not count as expired yet.
				remaining = m.maxIdle - m.idleFor(sess)
				if remaining <= 0 {
					remaining = time.Millisecond
				}
			}

			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-m.closed:
				timer.Stop()
				return
			}
		}
	}()
}

// reapIfIdle removes the session if it is still the cached one and its idle
// window has fully elapsed.
func (m *Manager) reapIfIdle(key string, sess *Session) bool {
	now := m.timeNow()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || e.sess != sess {
		m.mu.Unlock()
		return true
	}
	if now.Sub(sess.LastAccess()) <= m.maxIdle {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, key)
	active := len(m.entries)
	m.mu.Unlock()

	observability.RecordSessionsReaped(1)
	observability.SetActiveSessions(active)
	m.logger.Info().Str("session_key", key).Msg("Session reaped after idle timeout")

	return true
}

// Touch refreshes the idle deadline for a live session. It reports whether
// the session existed.
func (m *Manager) Touch(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()

	if !ok || e.sess == nil {
		return false
	}

	e.sess.Touch()
	return true
}

// Get returns the live session for key without creating one
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()

	if !ok || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// Remove evicts a session regardless of idle state
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	active := len(m.entries)
	m.mu.Unlock()

	if ok {
		observability.SetActiveSessions(active)
		m.logger.Info().Str("session_key", key).Msg("Session removed")
	}
	return ok
}

// ReapIdle sweeps the cache and removes every session whose idle window has
// elapsed. It returns the number of sessions reaped.
func (m *Manager) ReapIdle() int {
	now := m.timeNow()

	m.mu.Lock()
	var victims []string
	for key, e := range m.entries {
		if e.sess == nil {
			continue
		}
		if now.Sub(e.sess.LastAccess()) > m.maxIdle {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		delete(m.entries, key)
	}
	active := len(m.entries)
	m.mu.Unlock()

	if len(victims) > 0 {
		observability.RecordSessionsReaped(len(victims))
		observability.SetActiveSessions(active)
		m.logger.Info().Int("reaped", len(victims)).Int("active", active).Msg("Idle sessions reaped")
	}

	return len(victims)
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns the live session keys, sorted
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Close stops all expiry watchers and drops every session
func (m *Manager) Close() {
	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		return
	default:
	}
	close(m.closed)
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	m.wg.Wait()
	observability.SetActiveSessions(0)
	m.logger.Info().Msg("Session manager closed")
}
