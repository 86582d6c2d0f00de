package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mlatt/aviary/internal/observability"
	"github.com/mlatt/aviary/pkg/archive"
	"github.com/mlatt/aviary/pkg/session"
	"github.com/rs/zerolog"
)

// Dispatcher runs the two-phase tool dispatch for one query
type Dispatcher struct {
	provider    Provider
	archive     *archive.Store
	logger      zerolog.Logger
	model       string
	temperature float64
	maxTokens   int

	mu       sync.Mutex
	onAction func(sessionKey string, record ActionRecord)

	archiveWG sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Provider    Provider
	Archive     *archive.Store
	Logger      zerolog.Logger
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewDispatcher creates a dispatcher. Archive may be nil, in which case
// fetched tweets are not persisted.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	observability.EnsureRegistered()

	return &Dispatcher{
		provider:    cfg.Provider,
		archive:     cfg.Archive,
		logger:      cfg.Logger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// SetActionListener registers a callback invoked after each tool call
// completes, in emission order. The callback must not block.
func (d *Dispatcher) SetActionListener(fn func(sessionKey string, record ActionRecord)) {
	d.mu.Lock()
	d.onAction = fn
	d.mu.Unlock()
}

func (d *Dispatcher) notifyAction(sessionKey string, record ActionRecord) {
	d.mu.Lock()
	fn := d.onAction
	d.mu.Unlock()

	if fn != nil {
		fn(sessionKey, record)
	}
}

// Run answers one query against the session. The first model call decides on
// tool use; tool calls execute sequentially in emission order; a second model
// call phrases the final answer from the tool results.
func (d *Dispatcher) Run(ctx context.Context, sess *session.Session, query string) (*Response, error) {
	start := time.Now()
	logger := d.logger.With().Str("session_key", sess.Key).Logger()

	messages := historyMessages(sess)
	messages = append(messages, Message{Role: "user", Content: query})

	decision, err := d.provider.Complete(ctx, Request{
		Model:        d.model,
		SystemPrompt: SystemPrompt(),
		Messages:     messages,
		Tools:        sess.Tools.Describe(),
		Temperature:  d.temperature,
		MaxTokens:    d.maxTokens,
	})
	if err != nil {
		observability.RecordAgentRun(d.provider.Name(), time.Since(start), false)
		return nil, &ModelError{Provider: d.provider.Name(), Phase: "decide", Err: err}
	}

	if len(decision.ToolCalls) == 0 {
		observability.RecordAgentRun(d.provider.Name(), time.Since(start), true)
		logger.Debug().Dur("duration", time.Since(start)).Msg("Query answered without tools")

		return &Response{
			Response:     decision.Content,
			ActionsTaken: []ActionRecord{},
		}, nil
	}

	logger.Debug().Int("tool_calls", len(decision.ToolCalls)).Msg("Model requested tools")

	records := make([]ActionRecord, 0, len(decision.ToolCalls))
	resultMessages := make([]Message, 0, len(decision.ToolCalls))

	for _, call := range decision.ToolCalls {
		record := d.executeCall(ctx, sess, call)
		records = append(records, record)
		d.notifyAction(sess.Key, record)

		resultMessages = append(resultMessages, Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    marshalOutput(record.Output),
		})

		if ctx.Err() != nil {
			// The caller has gone away; in-flight results are discarded.
			observability.RecordAgentRun(d.provider.Name(), time.Since(start), false)
			return nil, ctx.Err()
		}
	}

	messages = append(messages, Message{
		Role:      "assistant",
		Content:   decision.Content,
		ToolCalls: decision.ToolCalls,
	})
	messages = append(messages, resultMessages...)

	// The second call gets no tools: any further tool use the model asks
	// for is ignored and only its text is kept.
	final, err := d.provider.Complete(ctx, Request{
		Model:        d.model,
		SystemPrompt: SystemPrompt(),
		Messages:     messages,
		Temperature:  d.temperature,
		MaxTokens:    d.maxTokens,
	})
	if err != nil {
		observability.RecordAgentRun(d.provider.Name(), time.Since(start), false)
		return nil, &ModelError{Provider: d.provider.Name(), Phase: "respond", Err: err}
	}

	observability.RecordAgentRun(d.provider.Name(), time.Since(start), true)
	logger.Debug().
		Int("actions", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Query answered with tools")

	return &Response{
		Response:     final.Content,
		ActionsTaken: records,
	}, nil
}

// executeCall runs one tool call and archives noteworthy results
func (d *Dispatcher) executeCall(ctx context.Context, sess *session.Session, call ToolCall) ActionRecord {
	input := call.Arguments
	if input == nil {
		input = map[string]interface{}{}
	}

	if call.ParseErr != "" {
		return ActionRecord{
			Tool:    call.Name,
			Input:   input,
			Output:  map[string]interface{}{"error": call.ParseErr},
			Success: false,
		}
	}

	result := sess.Tools.Invoke(ctx, call.Name, call.Arguments)

	record := ActionRecord{
		Tool:    call.Name,
		Input:   input,
		Output:  result.Output,
		Success: result.Success,
	}

	if result.Success {
		d.archiveResult(sess.Key, call, result.Output)
	}

	return record
}

// archiveResult persists fetched and posted tweets off the request path
func (d *Dispatcher) archiveResult(userKey string, call ToolCall, output map[string]interface{}) {
	if d.archive == nil {
		return
	}

	var category string
	var items []map[string]interface{}

	switch call.Name {
	case "get_timeline":
		category = "timeline"
		items = tweetItems(output)
	case "search_tweets":
		query, _ := call.Arguments["query"].(string)
		if query == "" {
			query = "unknown"
		}
		category = "search_" + query
		items = tweetItems(output)
	case "post_tweet":
		category = "posted"
		items = []map[string]interface{}{output}
	default:
		return
	}

	if len(items) == 0 {
		return
	}

	d.archiveWG.Add(1)
	go func() {
		defer d.archiveWG.Done()

		if err := d.archive.Append(userKey, category, items); err != nil {
			d.logger.Warn().
				Str("user_key", userKey).
				Str("category", category).
				Err(err).
				Msg("Failed to archive tweets")
			return
		}

		d.logger.Info().
			Str("user_key", userKey).
			Str("category", category).
			Int("tweets", len(items)).
			Msg("Tweets archived")
	}()
}

// Flush waits for outstanding archive writes. Used during shutdown.
func (d *Dispatcher) Flush() {
	d.archiveWG.Wait()
}

func historyMessages(sess *session.Session) []Message {
	turns := sess.History()
	messages := make([]Message, 0, len(turns)+1)
	for _, turn := range turns {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// tweetItems extracts the tweet list from a tool output map
func tweetItems(output map[string]interface{}) []map[string]interface{} {
	switch tweets := output["tweets"].(type) {
	case []map[string]interface{}:
		return tweets
	case []interface{}:
		items := make([]map[string]interface{}, 0, len(tweets))
		for _, t := range tweets {
			if m, ok := t.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return items
	default:
		return nil
	}
}

func marshalOutput(output map[string]interface{}) string {
	data, err := json.Marshal(output)
	if err != nil {
		return `{"error":"unserializable tool output"}`
	}
	return string(data)
}
