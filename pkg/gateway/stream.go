package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	subscriberSlot = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream carries no credentials and only event notifications.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	send chan streamEvent
}

// broadcaster fans events out to WebSocket subscribers
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	logger      zerolog.Logger
	closed      bool
}

func newBroadcaster(logger zerolog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger,
	}
}

func (b *broadcaster) add(sub *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.subscribers[sub] = struct{}{}
	return true
}

func (b *broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.send)
	}
	b.mu.Unlock()
}

// publish sends an event to every subscriber. A subscriber whose buffer is
// full is dropped rather than blocking the caller.
func (b *broadcaster) publish(eventType string, data interface{}) {
	event := streamEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}

	b.mu.Lock()
	var slow []*subscriber
	for sub := range b.subscribers {
		select {
		case sub.send <- event:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(b.subscribers, sub)
		close(sub.send)
	}
	b.mu.Unlock()

	if len(slow) > 0 {
		b.logger.Warn().Int("dropped", len(slow)).Msg("Dropped slow stream subscribers")
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subscribers {
		close(sub.send)
		delete(b.subscribers, sub)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// handleStream upgrades the connection and streams agent events until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan streamEvent, subscriberSlot),
	}

	if !s.broadcaster.add(sub) {
		conn.Close()
		return
	}

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Stream subscriber connected")

	go s.writeLoop(sub)
	s.readLoop(sub)
}

func (s *Server) writeLoop(sub *subscriber) {
	defer sub.conn.Close()

	for event := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(event); err != nil {
			s.broadcaster.remove(sub)
			return
		}
	}
}

// readLoop discards client frames and tears the subscription down on error
func (s *Server) readLoop(sub *subscriber) {
	defer func() {
		s.broadcaster.remove(sub)
		sub.conn.Close()
	}()

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
