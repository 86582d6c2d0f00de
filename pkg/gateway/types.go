package gateway

import (
	"context"
	"time"

	"github.com/mlatt/aviary/pkg/agent"
	"github.com/mlatt/aviary/pkg/session"
)

// QueryService answers user queries. Implemented by agent.Service.
type QueryService interface {
	ProcessQuery(ctx context.Context, req agent.QueryRequest) (*agent.Response, error)
	Sessions() *session.Manager
}

// errorBody is the JSON error envelope
type errorBody struct {
	Error string `json:"error"`
}

// sessionBody is the session detail response
type sessionBody struct {
	Key        string    `json:"key"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	IdleFor    string    `json:"idle_for"`
	Turns      int       `json:"turns"`
}

// healthBody is the health check response
type healthBody struct {
	Status         string  `json:"status"`
	Uptime         float64 `json:"uptime"`
	ActiveSessions int     `json:"active_sessions"`
	Timestamp      int64   `json:"timestamp"`
}

// authCallbackBody is returned after a successful OAuth exchange
type authCallbackBody struct {
	UserID        int64  `json:"user_id"`
	TwitterUserID string `json:"twitter_user_id"`
	Username      string `json:"username"`
	Message       string `json:"message"`
}

// streamEvent is one message pushed to WebSocket subscribers
type streamEvent struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}
