package agent

// ToolCall is one tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`

	// ParseErr is set when the model emitted arguments that were not valid
	// JSON. The call is still recorded, as a failed action.
	ParseErr string `json:"-"`
}

// ActionRecord describes one tool execution performed during a query
type ActionRecord struct {
	Tool    string                 `json:"tool"`
	Input   map[string]interface{} `json:"input"`
	Output  map[string]interface{} `json:"output"`
	Success bool                   `json:"success"`
}

// Response is the final answer for one query
type Response struct {
	Response     string         `json:"response"`
	ActionsTaken []ActionRecord `json:"actions_taken"`
}

// Message is one conversation turn in provider-neutral form
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// TokenUsage tracks token consumption for one model call
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
