package twitter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mlatt/aviary/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when the user has no active stored token
var ErrNoCredentials = errors.New("twitter: user not authenticated")

// persistingTokenSource wraps the refreshing oauth2 source and writes rotated
// tokens back to the store, so refresh tokens survive process restarts. A
// failed refresh deactivates the stored token.
type persistingTokenSource struct {
	base    oauth2.TokenSource
	store   *store.Store
	tokenID int64
	logger  zerolog.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func newPersistingTokenSource(ctx context.Context, cfg *oauth2.Config, st *store.Store, rec *store.Token, logger zerolog.Logger) oauth2.TokenSource {
	seed := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.ExpiresAt,
		TokenType:    "Bearer",
	}

	return &persistingTokenSource{
		base:    cfg.TokenSource(ctx, seed),
		store:   st,
		tokenID: rec.ID,
		logger:  logger,
		last:    seed,
	}
}

// Token returns a valid token, refreshing and persisting as needed
func (ts *persistingTokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tok, err := ts.base.Token()
	if err != nil {
		if derr := ts.store.DeactivateToken(context.Background(), ts.tokenID); derr != nil {
			ts.logger.Error().Err(derr).Int64("token_id", ts.tokenID).Msg("Failed to deactivate token")
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	if tok.AccessToken != ts.last.AccessToken {
		refresh := tok.RefreshToken
		if refresh == "" {
			refresh = ts.last.RefreshToken
		}

		if err := ts.store.UpdateToken(context.Background(), ts.tokenID, tok.AccessToken, refresh, tok.Expiry); err != nil {
			ts.logger.Error().Err(err).Int64("token_id", ts.tokenID).Msg("Failed to persist refreshed token")
		} else {
			ts.logger.Debug().Int64("token_id", ts.tokenID).Msg("Refreshed token persisted")
		}

		ts.last = tok
	}

	return tok, nil
}
