package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mlatt/aviary/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.twitter.com"

// ClientConfig holds everything needed to construct API clients
type ClientConfig struct {
	OAuth   *oauth2.Config
	Store   *store.Store
	Logger  zerolog.Logger
	BaseURL string // override for tests, defaults to the public API
}

// apiClient implements Client over the Twitter API v2 REST surface
type apiClient struct {
	httpClient    *http.Client
	baseURL       string
	twitterUserID string
	logger        zerolog.Logger
}

// NewClient constructs a Client for the user identified by exactly one of
// userID (internal, takes precedence) or twitterUserID. Construction resolves
// the stored token and fails with ErrNoCredentials when the user never
// authorized or their token was deactivated.
func NewClient(ctx context.Context, cfg ClientConfig, userID int64, twitterUserID string) (Client, error) {
	var (
		rec *store.Token
		err error
	)

	switch {
	case userID > 0:
		rec, err = cfg.Store.TokenByUserID(ctx, userID)
	case twitterUserID != "":
		rec, err = cfg.Store.TokenByTwitterUserID(ctx, twitterUserID)
	default:
		return nil, fmt.Errorf("either user id or twitter user id is required")
	}

	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	ts := newPersistingTokenSource(ctx, cfg.OAuth, cfg.Store, rec, cfg.Logger)

	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 30 * time.Second

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &apiClient{
		httpClient:    httpClient,
		baseURL:       baseURL,
		twitterUserID: rec.TwitterUserID,
		logger:        cfg.Logger.With().Str("twitter_user_id", rec.TwitterUserID).Logger(),
	}, nil
}

// wire types

type tweetData struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (d tweetData) toTweet() Tweet {
	return Tweet{
		ID:             d.ID,
		Text:           d.Text,
		AuthorID:       d.AuthorID,
		ConversationID: d.ConversationID,
		CreatedAt:      d.CreatedAt,
	}
}

type apiErrorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail apiErrorBody
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &detail)

		apiErr := &APIError{Status: resp.StatusCode, Title: detail.Title, Detail: detail.Detail}
		if apiErr.Detail == "" && len(detail.Errors) > 0 {
			apiErr.Detail = detail.Errors[0].Message
		}

		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("API call failed")

		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// PostTweet publishes a tweet, optionally as a reply
func (c *apiClient) PostTweet(ctx context.Context, text, replyToID string) (*Tweet, error) {
	payload := map[string]interface{}{"text": text}
	if replyToID != "" {
		payload["reply"] = map[string]string{"in_reply_to_tweet_id": replyToID}
	}

	var result struct {
		Data tweetData `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/tweets", nil, payload, &result); err != nil {
		return nil, err
	}

	tweet := result.Data.toTweet()
	c.logger.Info().Str("tweet_id", tweet.ID).Msg("Tweet posted")

	return &tweet, nil
}

// Tweet fetches a single tweet by ID
func (c *apiClient) Tweet(ctx context.Context, tweetID string) (*Tweet, error) {
	query := url.Values{"tweet.fields": {"created_at,author_id,conversation_id"}}

	var result struct {
		Data tweetData `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/tweets/"+tweetID, query, nil, &result); err != nil {
		return nil, err
	}

	tweet := result.Data.toTweet()
	return &tweet, nil
}

// Timeline returns the user's reverse-chronological home timeline
func (c *apiClient) Timeline(ctx context.Context, limit int) ([]Tweet, error) {
	query := url.Values{
		"max_results":  {strconv.Itoa(limit)},
		"tweet.fields": {"created_at,author_id,conversation_id"},
	}

	var result struct {
		Data []tweetData `json:"data"`
	}
	path := fmt.Sprintf("/2/users/%s/timelines/reverse_chronological", c.twitterUserID)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return nil, err
	}

	tweets := make([]Tweet, 0, len(result.Data))
	for _, d := range result.Data {
		tweets = append(tweets, d.toTweet())
	}

	return tweets, nil
}

// Search returns recent tweets matching the query
func (c *apiClient) Search(ctx context.Context, searchQuery string, limit int) ([]Tweet, error) {
	query := url.Values{
		"query":        {searchQuery},
		"max_results":  {strconv.Itoa(limit)},
		"tweet.fields": {"created_at,author_id,conversation_id"},
	}

	var result struct {
		Data []tweetData `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/tweets/search/recent", query, nil, &result); err != nil {
		return nil, err
	}

	tweets := make([]Tweet, 0, len(result.Data))
	for _, d := range result.Data {
		tweets = append(tweets, d.toTweet())
	}

	return tweets, nil
}

// Me returns the authenticated user's profile
func (c *apiClient) Me(ctx context.Context) (*Profile, error) {
	query := url.Values{
		"user.fields": {"created_at,description,profile_image_url,verified,public_metrics"},
	}

	var result struct {
		Data struct {
			ID              string    `json:"id"`
			Username        string    `json:"username"`
			Name            string    `json:"name"`
			Description     string    `json:"description"`
			ProfileImageURL string    `json:"profile_image_url"`
			Verified        bool      `json:"verified"`
			CreatedAt       time.Time `json:"created_at"`
			PublicMetrics   struct {
				FollowersCount int `json:"followers_count"`
				FollowingCount int `json:"following_count"`
				TweetCount     int `json:"tweet_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/users/me", query, nil, &result); err != nil {
		return nil, err
	}

	return &Profile{
		ID:              result.Data.ID,
		Username:        result.Data.Username,
		Name:            result.Data.Name,
		Description:     result.Data.Description,
		ProfileImageURL: result.Data.ProfileImageURL,
		Verified:        result.Data.Verified,
		CreatedAt:       result.Data.CreatedAt,
		PublicMetrics: PublicMetrics{
			FollowersCount: result.Data.PublicMetrics.FollowersCount,
			FollowingCount: result.Data.PublicMetrics.FollowingCount,
			TweetCount:     result.Data.PublicMetrics.TweetCount,
		},
	}, nil
}

// Like marks a tweet as liked by the authenticated user
func (c *apiClient) Like(ctx context.Context, tweetID string) error {
	path := fmt.Sprintf("/2/users/%s/likes", c.twitterUserID)
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"tweet_id": tweetID}, nil)
}

// Unlike removes a like
func (c *apiClient) Unlike(ctx context.Context, tweetID string) error {
	path := fmt.Sprintf("/2/users/%s/likes/%s", c.twitterUserID, tweetID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Follow follows the target user
func (c *apiClient) Follow(ctx context.Context, targetUserID string) error {
	path := fmt.Sprintf("/2/users/%s/following", c.twitterUserID)
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"target_user_id": targetUserID}, nil)
}

// Unfollow unfollows the target user
func (c *apiClient) Unfollow(ctx context.Context, targetUserID string) error {
	path := fmt.Sprintf("/2/users/%s/following/%s", c.twitterUserID, targetUserID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
