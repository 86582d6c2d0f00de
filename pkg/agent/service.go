package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mlatt/aviary/pkg/session"
	"github.com/mlatt/aviary/pkg/tools"
	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
)

// ClientFactory builds the authenticated Twitter client for one user
type ClientFactory func(ctx context.Context, userID int64, twitterUserID string) (twitter.Client, error)

// QueryRequest identifies the user and carries their query
type QueryRequest struct {
	Query         string `json:"query"`
	UserID        int64  `json:"user_id,omitempty"`
	TwitterUserID string `json:"twitter_user_id,omitempty"`
}

// Service ties session acquisition to query dispatch
type Service struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	clients    ClientFactory
	logger     zerolog.Logger
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	Sessions   *session.Manager
	Dispatcher *Dispatcher
	Clients    ClientFactory
	Logger     zerolog.Logger
}

// NewService creates the query service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("client factory is required")
	}

	return &Service{
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		clients:    cfg.Clients,
		logger:     cfg.Logger,
	}, nil
}

// ProcessQuery answers one user query. Session initialization and model
// failures degrade to an apologetic answer with no actions rather than an
// error; an error return means the request itself was invalid or the caller
// went away.
func (s *Service) ProcessQuery(ctx context.Context, req QueryRequest) (*Response, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	key, err := session.DeriveKey(req.UserID, req.TwitterUserID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().Str("session_key", key).Logger()

	sess, err := s.sessions.Acquire(ctx, key, func(ctx context.Context, key string) (twitter.Client, *tools.Registry, error) {
		client, err := s.clients(ctx, req.UserID, req.TwitterUserID)
		if err != nil {
			return nil, nil, err
		}
		registry, err := tools.NewTwitterRegistry(client, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, registry, nil
	})
	if err != nil {
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			return nil, err
		}

		logger.Error().Err(err).Msg("Session acquisition failed")
		return &Response{
			Response:     fmt.Sprintf("I encountered an error while initializing the agent: %v. Please try again.", err),
			ActionsTaken: []ActionRecord{},
		}, nil
	}

	resp, err := s.dispatcher.Run(ctx, sess, req.Query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		logger.Error().Err(err).Msg("Dispatch failed")
		return &Response{
			Response:     fmt.Sprintf("I encountered an error while processing your request: %v. Please try again.", err),
			ActionsTaken: []ActionRecord{},
		}, nil
	}

	sess.AppendTurn("user", req.Query)
	sess.AppendTurn("assistant", resp.Response)

	return resp, nil
}

// Sessions exposes the underlying manager for lifecycle endpoints
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Flush waits for background archive writes to settle
func (s *Service) Flush() {
	s.dispatcher.Flush()
}
