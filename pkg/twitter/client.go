// Package twitter wraps the Twitter API v2 operations the agent can perform
// on behalf of an authenticated user.
//
// Invariants:
// - All operations are context-first and fail with *APIError on wire errors.
// - Credentials come from the token store via an oauth2 TokenSource; rotated
//   refresh tokens are persisted back before any request uses them.
package twitter

import (
	"context"
	"fmt"
	"time"
)

// Tweet is a single tweet as returned by timeline, search and post operations
type Tweet struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// PublicMetrics are the audience counters on a profile
type PublicMetrics struct {
	FollowersCount int `json:"followers_count"`
	FollowingCount int `json:"following_count"`
	TweetCount     int `json:"tweet_count"`
}

// Profile describes the authenticated user
type Profile struct {
	ID              string        `json:"id"`
	Username        string        `json:"username"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	ProfileImageURL string        `json:"profile_image_url,omitempty"`
	Verified        bool          `json:"verified"`
	CreatedAt       time.Time     `json:"created_at,omitempty"`
	PublicMetrics   PublicMetrics `json:"public_metrics"`
}

// Client performs Twitter operations for one authenticated user
type Client interface {
	// PostTweet publishes a tweet, optionally as a reply
	PostTweet(ctx context.Context, text, replyToID string) (*Tweet, error)

	// Tweet fetches a single tweet by ID
	Tweet(ctx context.Context, tweetID string) (*Tweet, error)

	// Timeline returns the user's reverse-chronological home timeline
	Timeline(ctx context.Context, limit int) ([]Tweet, error)

	// Search returns recent tweets matching the query
	Search(ctx context.Context, query string, limit int) ([]Tweet, error)

	// Me returns the authenticated user's profile
	Me(ctx context.Context) (*Profile, error)

	Like(ctx context.Context, tweetID string) error
	Unlike(ctx context.Context, tweetID string) error
	Follow(ctx context.Context, targetUserID string) error
	Unfollow(ctx context.Context, targetUserID string) error
}

// APIError is a typed failure from the Twitter API
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("twitter api error (status %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("twitter api error (status %d): %s", e.Status, e.Title)
}
