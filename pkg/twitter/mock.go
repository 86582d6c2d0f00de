package twitter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient is an in-memory Client for tests and offline development
type MockClient struct {
	mu sync.Mutex

	TwitterUserID string
	tweets        []Tweet
	liked         map[string]bool
	followed      map[string]bool
}

// NewMockClient creates a mock client pre-seeded with twenty tweets
func NewMockClient(twitterUserID string) *MockClient {
	if twitterUserID == "" {
		twitterUserID = "1171863380891770882"
	}

	m := &MockClient{
		TwitterUserID: twitterUserID,
		liked:         make(map[string]bool),
		followed:      make(map[string]bool),
	}

	now := time.Now()
	for i := 1; i <= 20; i++ {
		m.tweets = append(m.tweets, Tweet{
			ID:        fmt.Sprintf("tweet_%d", i),
			Text:      fmt.Sprintf("This is mock tweet #%d. #testing #mock", i),
			AuthorID:  twitterUserID,
			CreatedAt: now.AddDate(0, 0, -i),
		})
	}

	return m
}

func (m *MockClient) PostTweet(ctx context.Context, text, replyToID string) (*Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tweet := Tweet{
		ID:             "tweet_" + uuid.NewString()[:8],
		Text:           text,
		AuthorID:       m.TwitterUserID,
		ConversationID: replyToID,
		CreatedAt:      time.Now(),
	}
	m.tweets = append([]Tweet{tweet}, m.tweets...)

	return &tweet, nil
}

func (m *MockClient) Tweet(ctx context.Context, tweetID string) (*Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tweets {
		if t.ID == tweetID {
			tweet := t
			return &tweet, nil
		}
	}

	return nil, &APIError{Status: 404, Detail: fmt.Sprintf("tweet %s not found", tweetID)}
}

func (m *MockClient) Timeline(ctx context.Context, limit int) ([]Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > len(m.tweets) {
		limit = len(m.tweets)
	}

	out := make([]Tweet, limit)
	copy(out, m.tweets[:limit])
	return out, nil
}

func (m *MockClient) Search(ctx context.Context, query string, limit int) ([]Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Tweet
	for _, t := range m.tweets {
		if len(out) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(t.Text), strings.ToLower(query)) {
			out = append(out, t)
		}
	}

	return out, nil
}

func (m *MockClient) Me(ctx context.Context) (*Profile, error) {
	return &Profile{
		ID:          m.TwitterUserID,
		Username:    "mock_user",
		Name:        "Mock User",
		Description: "This is a mock Twitter user for testing purposes",
		PublicMetrics: PublicMetrics{
			FollowersCount: 1000,
			FollowingCount: 500,
			TweetCount:     1500,
		},
	}, nil
}

func (m *MockClient) Like(ctx context.Context, tweetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liked[tweetID] = true
	return nil
}

func (m *MockClient) Unlike(ctx context.Context, tweetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.liked, tweetID)
	return nil
}

func (m *MockClient) Follow(ctx context.Context, targetUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followed[targetUserID] = true
	return nil
}

func (m *MockClient) Unfollow(ctx context.Context, targetUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.followed, targetUserID)
	return nil
}

// Liked reports whether the mock has recorded a like for the tweet
func (m *MockClient) Liked(tweetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liked[tweetID]
}

// Following reports whether the mock has recorded a follow for the user
func (m *MockClient) Following(targetUserID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.followed[targetUserID]
}
