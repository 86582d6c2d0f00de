package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlatt/aviary/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func expiredTokenSource(t *testing.T, tokenURL string) (oauth2.TokenSource, *store.Store, *store.User) {
	t.Helper()

	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.UpsertUser(context.Background(), "42", "jdoe", "Jane Doe")
	require.NoError(t, err)

	rec, err := st.SaveToken(context.Background(), store.Token{
		UserID:        user.ID,
		TwitterUserID: user.TwitterUserID,
		AccessToken:   "stale-access",
		RefreshToken:  "refresh-1",
		ExpiresAt:     time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	cfg := OAuthConfig("cid", "secret", "http://localhost/cb", nil)
	cfg.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}

	return newPersistingTokenSource(context.Background(), cfg, st, rec, logger), st, user
}

func TestTokenRefreshPersists(t *testing.T) {
	var refreshes int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-access","refresh_token":"refresh-2","token_type":"Bearer","expires_in":7200}`))
	}))
	defer tokenSrv.Close()

	ts, st, user := expiredTokenSource(t, tokenSrv.URL)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
	assert.Equal(t, 1, refreshes)

	// The rotated pair is written back to the store.
	stored, err := st.TokenByUserID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, "refresh-2", stored.RefreshToken)
}

func TestTokenRefreshFailureDeactivates(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenSrv.Close()

	ts, st, user := expiredTokenSource(t, tokenSrv.URL)

	_, err := ts.Token()
	require.Error(t, err)

	_, err = st.TokenByUserID(context.Background(), user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
