package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "aviary.db"), zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("should upsert and fetch user", func(t *testing.T) {
		u, err := s.UpsertUser(ctx, "12345", "jdoe", "Jane Doe")
		require.NoError(t, err)
		assert.NotZero(t, u.ID)
		assert.Equal(t, "jdoe", u.Username)

		byID, err := s.UserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.TwitterUserID, byID.TwitterUserID)
	})

	t.Run("should update existing user in place", func(t *testing.T) {
		first, err := s.UpsertUser(ctx, "777", "old", "Old Name")
		require.NoError(t, err)

		second, err := s.UpsertUser(ctx, "777", "new", "New Name")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "new", second.Username)
	})

	t.Run("should return ErrNotFound for missing user", func(t *testing.T) {
		_, err := s.UserByTwitterID(ctx, "no-such-user")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "12345", "jdoe", "Jane Doe")
	require.NoError(t, err)

	expires := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	t.Run("should round-trip a token", func(t *testing.T) {
		saved, err := s.SaveToken(ctx, Token{
			UserID:        user.ID,
			TwitterUserID: user.TwitterUserID,
			AccessToken:   "access-1",
			RefreshToken:  "refresh-1",
			ExpiresAt:     expires,
		})
		require.NoError(t, err)
		assert.True(t, saved.IsActive)

		got, err := s.TokenByUserID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "access-1", got.AccessToken)
		assert.Equal(t, expires, got.ExpiresAt.UTC().Truncate(time.Second))

		byTwitter, err := s.TokenByTwitterUserID(ctx, user.TwitterUserID)
		require.NoError(t, err)
		assert.Equal(t, got.ID, byTwitter.ID)
	})

	t.Run("new token should deactivate the previous one", func(t *testing.T) {
		_, err := s.SaveToken(ctx, Token{
			UserID:        user.ID,
			TwitterUserID: user.TwitterUserID,
			AccessToken:   "access-2",
			RefreshToken:  "refresh-2",
			ExpiresAt:     expires,
		})
		require.NoError(t, err)

		got, err := s.TokenByUserID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "access-2", got.AccessToken)
	})

	t.Run("should update token after refresh", func(t *testing.T) {
		got, err := s.TokenByUserID(ctx, user.ID)
		require.NoError(t, err)

		newExpiry := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
		require.NoError(t, s.UpdateToken(ctx, got.ID, "access-3", "refresh-3", newExpiry))

		updated, err := s.TokenByUserID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "access-3", updated.AccessToken)
		assert.Equal(t, "refresh-3", updated.RefreshToken)
	})

	t.Run("deactivated token should no longer resolve", func(t *testing.T) {
		got, err := s.TokenByUserID(ctx, user.ID)
		require.NoError(t, err)

		require.NoError(t, s.DeactivateToken(ctx, got.ID))

		_, err = s.TokenByUserID(ctx, user.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update of missing token should return ErrNotFound", func(t *testing.T) {
		err := s.UpdateToken(ctx, 99999, "a", "r", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
