package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
)

const (
	defaultFetchLimit = 10
	maxFetchLimit     = 50
)

// NewTwitterRegistry builds the full Twitter tool set bound to one client.
// Every session gets its own registry so tool calls always act as the
// session's user.
func NewTwitterRegistry(client twitter.Client, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	defs := []Definition{
		{
			Name:        "post_tweet",
			Description: "Post a new tweet to the user's Twitter account.",
			Parameters: []Parameter{
				{Name: "text", Type: "string", Description: "The text content of the tweet, up to 280 characters.", Required: true},
				{Name: "reply_to_id", Type: "string", Description: "Optional ID of a tweet to reply to."},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				text, err := stringArg(args, "text")
				if err != nil {
					return nil, err
				}
				replyTo := optionalStringArg(args, "reply_to_id")
				tweet, err := client.PostTweet(ctx, text, replyTo)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"id":   tweet.ID,
					"text": tweet.Text,
				}, nil
			},
		},
		{
			Name:        "get_tweet",
			Description: "Look up a single tweet by its ID.",
			Parameters: []Parameter{
				{Name: "tweet_id", Type: "string", Description: "The ID of the tweet to fetch.", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				id, err := stringArg(args, "tweet_id")
				if err != nil {
					return nil, err
				}
				tweet, err := client.Tweet(ctx, id)
				if err != nil {
					return nil, err
				}
				out := tweetMaps([]twitter.Tweet{*tweet})
				return out[0], nil
			},
		},
		{
			Name:        "get_timeline",
			Description: "Get the most recent tweets from the user's home timeline.",
			Parameters: []Parameter{
				{Name: "limit", Type: "integer", Description: "Maximum number of tweets to return.", Default: defaultFetchLimit},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				limit := limitArg(args)
				tweets, err := client.Timeline(ctx, limit)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"tweets": tweetMaps(tweets),
					"count":  len(tweets),
				}, nil
			},
		},
		{
			Name:        "search_tweets",
			Description: "Search recent tweets matching a query.",
			Parameters: []Parameter{
				{Name: "query", Type: "string", Description: "The search query, e.g. a keyword or hashtag.", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum number of tweets to return.", Default: defaultFetchLimit},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				query, err := stringArg(args, "query")
				if err != nil {
					return nil, err
				}
				limit := limitArg(args)
				tweets, err := client.Search(ctx, query, limit)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"query":  query,
					"tweets": tweetMaps(tweets),
					"count":  len(tweets),
				}, nil
			},
		},
		{
			Name:        "get_user_info",
			Description: "Get the authenticated user's Twitter profile.",
			Parameters:  nil,
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				profile, err := client.Me(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"id":              profile.ID,
					"username":        profile.Username,
					"name":            profile.Name,
					"description":     profile.Description,
					"verified":        profile.Verified,
					"followers_count": profile.PublicMetrics.FollowersCount,
					"following_count": profile.PublicMetrics.FollowingCount,
					"tweet_count":     profile.PublicMetrics.TweetCount,
				}, nil
			},
		},
		{
			Name:        "like_tweet",
			Description: "Like a tweet by its ID.",
			Parameters: []Parameter{
				{Name: "tweet_id", Type: "string", Description: "The ID of the tweet to like.", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				id, err := stringArg(args, "tweet_id")
				if err != nil {
					return nil, err
				}
				if err := client.Like(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"liked": true, "tweet_id": id}, nil
			},
		},
		{
			Name:        "unlike_tweet",
			Description: "Remove a like from a tweet by its ID.",
			Parameters: []Parameter{
				{Name: "tweet_id", Type: "string", Description: "The ID of the tweet to unlike.", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				id, err := stringArg(args, "tweet_id")
				if err != nil {
					return nil, err
				}
				if err := client.Unlike(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"liked": false, "tweet_id": id}, nil
			},
		},
		{
			Name:        "follow_user",
			Description: "Follow a Twitter user by their user ID.",
			Parameters: []Parameter{
				{Name: "user_id", Type: "string", Description: "The ID of the user to follow.", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				id, err := stringArg(args, "user_id")
				if err != nil {
					return nil, err
				}
				if err := client.Follow(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"following": true, "user_id": id}, nil
			},
		},
		{
			Name:        "unfollow_user",
			Description: "Unfollow a Twitter user by their user ID.",
			Parameters: []Parameter{
				{Name: "user_id", Type: "string", Description: "The ID of the user to unfollow.", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				id, err := stringArg(args, "user_id")
				if err != nil {
					return nil, err
				}
				if err := client.Unfollow(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"following": false, "user_id": id}, nil
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}

	return r, nil
}

func tweetMaps(tweets []twitter.Tweet) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tweets))
	for _, t := range tweets {
		m := map[string]interface{}{
			"id":        t.ID,
			"text":      t.Text,
			"author_id": t.AuthorID,
		}
		if !t.CreatedAt.IsZero() {
			m["created_at"] = t.CreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, m)
	}
	return out
}
