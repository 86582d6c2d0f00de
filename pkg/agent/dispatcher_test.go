package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mlatt/aviary/pkg/archive"
	"github.com/mlatt/aviary/pkg/session"
	"github.com/mlatt/aviary/pkg/tools"
	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays scripted completions and records every request
type fakeProvider struct {
	mu       sync.Mutex
	requests []Request
	script   []scriptedTurn
}

type scriptedTurn struct {
	completion *Completion
	err        error
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if len(f.script) == 0 {
		return &Completion{Content: "default"}, nil
	}

	turn := f.script[0]
	f.script = f.script[1:]
	return turn.completion, turn.err
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) request(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type harness struct {
	provider *fakeProvider
	dispatch *Dispatcher
	session  *session.Session
	mock     *twitter.MockClient
	archive  *archive.Store
}

func newHarness(t *testing.T, script ...scriptedTurn) *harness {
	t.Helper()

	store, err := archive.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	provider := &fakeProvider{script: script}
	dispatch := NewDispatcher(DispatcherConfig{
		Provider: provider,
		Archive:  store,
		Logger:   zerolog.Nop(),
		Model:    "gpt-4o",
	})

	manager := session.NewManager(time.Hour, zerolog.Nop())
	t.Cleanup(manager.Close)
	t.Cleanup(dispatch.Flush)

	mock := twitter.NewMockClient("")
	sess, err := manager.Acquire(context.Background(), "user_1",
		func(ctx context.Context, key string) (twitter.Client, *tools.Registry, error) {
			registry, err := tools.NewTwitterRegistry(mock, zerolog.Nop())
			if err != nil {
				return nil, nil, err
			}
			return mock, registry, nil
		})
	require.NoError(t, err)

	return &harness{
		provider: provider,
		dispatch: dispatch,
		session:  sess,
		mock:     mock,
		archive:  store,
	}
}

func TestRunWithoutTools(t *testing.T) {
	h := newHarness(t, scriptedTurn{
		completion: &Completion{Content: "Just chatting, no tools needed."},
	})

	resp, err := h.dispatch.Run(context.Background(), h.session, "hello")
	require.NoError(t, err)

	assert.Equal(t, "Just chatting, no tools needed.", resp.Response)
	assert.Empty(t, resp.ActionsTaken)
	assert.NotNil(t, resp.ActionsTaken)

	// Only the first phase ran.
	assert.Equal(t, 1, h.provider.requestCount())
	assert.NotEmpty(t, h.provider.request(0).Tools)
}

func TestRunWithTools(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			Content: "Let me check.",
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "get_timeline", Arguments: map[string]interface{}{"limit": float64(3)}},
				{ID: "call_2", Name: "like_tweet", Arguments: map[string]interface{}{"tweet_id": "tweet_5"}},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Here is your timeline, and I liked the tweet."}},
	)

	resp, err := h.dispatch.Run(context.Background(), h.session, "show my timeline and like tweet_5")
	require.NoError(t, err)

	assert.Equal(t, "Here is your timeline, and I liked the tweet.", resp.Response)
	require.Len(t, resp.ActionsTaken, 2)

	// Emission order is preserved.
	assert.Equal(t, "get_timeline", resp.ActionsTaken[0].Tool)
	assert.True(t, resp.ActionsTaken[0].Success)
	assert.Equal(t, 3, resp.ActionsTaken[0].Output["count"])

	assert.Equal(t, "like_tweet", resp.ActionsTaken[1].Tool)
	assert.True(t, resp.ActionsTaken[1].Success)
	assert.True(t, h.mock.Liked("tweet_5"))

	// Second phase carries tool results correlated by call ID and no tools.
	require.Equal(t, 2, h.provider.requestCount())
	second := h.provider.request(1)
	assert.Empty(t, second.Tools)

	var toolMsgs []Message
	for _, msg := range second.Messages {
		if msg.Role == "tool" {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "call_1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "call_2", toolMsgs[1].ToolCallID)
}

func TestRunPartialFailureContinuesBatch(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "search_tweets", Arguments: map[string]interface{}{"query": "mock"}},
				{ID: "call_2", Name: "no_such_tool", Arguments: map[string]interface{}{}},
				{ID: "call_3", Name: "follow_user", Arguments: map[string]interface{}{"user_id": "77"}},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Done what I could."}},
	)

	resp, err := h.dispatch.Run(context.Background(), h.session, "do three things")
	require.NoError(t, err)

	require.Len(t, resp.ActionsTaken, 3)
	assert.True(t, resp.ActionsTaken[0].Success)
	assert.False(t, resp.ActionsTaken[1].Success)
	assert.Equal(t, "tool not found", resp.ActionsTaken[1].Output["error"])
	assert.True(t, resp.ActionsTaken[2].Success)
	assert.True(t, h.mock.Following("77"))
}

func TestRunMalformedArguments(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "post_tweet", ParseErr: "invalid tool arguments: unexpected end of JSON input"},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Sorry, that did not work."}},
	)

	resp, err := h.dispatch.Run(context.Background(), h.session, "post something")
	require.NoError(t, err)

	require.Len(t, resp.ActionsTaken, 1)
	record := resp.ActionsTaken[0]
	assert.False(t, record.Success)
	assert.Contains(t, record.Output["error"], "invalid tool arguments")
}

func TestRunArchivesSearchResults(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "search_tweets", Arguments: map[string]interface{}{"query": "mock", "limit": float64(4)}},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Found some tweets."}},
	)

	resp, err := h.dispatch.Run(context.Background(), h.session, "search for mock")
	require.NoError(t, err)
	require.Len(t, resp.ActionsTaken, 1)

	h.dispatch.Flush()

	entries, err := h.archive.Load("user_1", "search_mock")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Contains(t, entries[0].Item["text"], "mock")
}

func TestRunArchivesPostedTweet(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "post_tweet", Arguments: map[string]interface{}{"text": "hello world"}},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Posted."}},
	)

	_, err := h.dispatch.Run(context.Background(), h.session, "post hello world")
	require.NoError(t, err)

	h.dispatch.Flush()

	entries, err := h.archive.Load("user_1", "posted")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello world", entries[0].Item["text"])
}

func TestRunModelErrorFirstPhase(t *testing.T) {
	h := newHarness(t, scriptedTurn{err: errors.New("rate limited")})

	_, err := h.dispatch.Run(context.Background(), h.session, "hello")
	require.Error(t, err)

	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, "decide", modelErr.Phase)
}

func TestRunModelErrorSecondPhase(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "get_user_info", Arguments: map[string]interface{}{}},
			},
		}},
		scriptedTurn{err: errors.New("server error")},
	)

	_, err := h.dispatch.Run(context.Background(), h.session, "who am I")
	require.Error(t, err)

	var modelErr *ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, "respond", modelErr.Phase)

	// The tool still ran before the failure.
	assert.Equal(t, 2, h.provider.requestCount())
}

func TestRunIncludesHistory(t *testing.T) {
	h := newHarness(t, scriptedTurn{completion: &Completion{Content: "Again? Sure."}})

	h.session.AppendTurn("user", "first question")
	h.session.AppendTurn("assistant", "first answer")

	_, err := h.dispatch.Run(context.Background(), h.session, "second question")
	require.NoError(t, err)

	msgs := h.provider.request(0).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, "second question", msgs[2].Content)
}

func TestRunNotifiesActionListener(t *testing.T) {
	h := newHarness(t,
		scriptedTurn{completion: &Completion{
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "search_tweets", Arguments: map[string]interface{}{"query": "golang"}},
				{ID: "call_2", Name: "no_such_tool", Arguments: map[string]interface{}{}},
			},
		}},
		scriptedTurn{completion: &Completion{Content: "Done."}},
	)

	var mu sync.Mutex
	var seen []ActionRecord
	h.dispatch.SetActionListener(func(sessionKey string, record ActionRecord) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "user_1", sessionKey)
		seen = append(seen, record)
	})

	_, err := h.dispatch.Run(context.Background(), h.session, "search for golang")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "search_tweets", seen[0].Tool)
	assert.True(t, seen[0].Success)
	assert.Equal(t, "no_such_tool", seen[1].Tool)
	assert.False(t, seen[1].Success)
}

func TestRunHandlerFailureOnLastCall(t *testing.T) {
	registry := tools.NewRegistry(zerolog.Nop())

	handler := func(out map[string]interface{}, err error) tools.Handler {
		return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return out, err
		}
	}
	require.NoError(t, registry.Register(tools.Definition{
		Name: "first", Description: "first op",
		Handler: handler(map[string]interface{}{"ok": true}, nil),
	}))
	require.NoError(t, registry.Register(tools.Definition{
		Name: "second", Description: "second op",
		Handler: handler(map[string]interface{}{"ok": true}, nil),
	}))
	require.NoError(t, registry.Register(tools.Definition{
		Name: "third", Description: "third op",
		Handler: handler(nil, errors.New("backend rejected the request")),
	}))

	provider := &fakeProvider{script: []scriptedTurn{
		{completion: &Completion{ToolCalls: []ToolCall{
			{ID: "call_1", Name: "first", Arguments: map[string]interface{}{}},
			{ID: "call_2", Name: "second", Arguments: map[string]interface{}{}},
			{ID: "call_3", Name: "third", Arguments: map[string]interface{}{}},
		}}},
		{completion: &Completion{Content: "Two worked, one did not."}},
	}}
	dispatch := NewDispatcher(DispatcherConfig{Provider: provider, Logger: zerolog.Nop(), Model: "gpt-4o"})

	manager := session.NewManager(time.Hour, zerolog.Nop())
	t.Cleanup(manager.Close)
	sess, err := manager.Acquire(context.Background(), "user_1",
		func(ctx context.Context, key string) (twitter.Client, *tools.Registry, error) {
			return twitter.NewMockClient(""), registry, nil
		})
	require.NoError(t, err)

	resp, err := dispatch.Run(context.Background(), sess, "do three things")
	require.NoError(t, err)

	require.Len(t, resp.ActionsTaken, 3)
	assert.True(t, resp.ActionsTaken[0].Success)
	assert.True(t, resp.ActionsTaken[1].Success)
	assert.False(t, resp.ActionsTaken[2].Success)
	assert.Contains(t, resp.ActionsTaken[2].Output["error"], "backend rejected")

	// The respond phase still sees all three correlated outputs.
	second := provider.request(1)
	var toolIDs []string
	for _, msg := range second.Messages {
		if msg.Role == "tool" {
			toolIDs = append(toolIDs, msg.ToolCallID)
		}
	}
	assert.Equal(t, []string{"call_1", "call_2", "call_3"}, toolIDs)
}
