// Package agentstream provides types and an incremental parser for the
// coding-agent stream-json protocol: newline-delimited JSON events emitted
// by the agent process, plus the higher-level events derived from them
// (todo updates, plan updates, tool uses, results).
package agentstream

import "encoding/json"

// Event types emitted by the agent process.
const (
	// EventTypeSystem is the initial system message with session info
	EventTypeSystem = "system"
	// EventTypeAssistant contains text, thinking, or tool use from the assistant
	EventTypeAssistant = "assistant"
	// EventTypeUser is a user message (echoed prompts, tool results)
	EventTypeUser = "user"
	// EventTypeResult is the terminal result message for a turn
	EventTypeResult = "result"
	// EventTypeStreamEvent is a raw partial content update
	EventTypeStreamEvent = "stream_event"
)

// SubtypeInit marks the first system event carrying the agent's own session id.
const SubtypeInit = "init"

// Result subtypes.
const (
	ResultSuccess                         = "success"
	ResultErrorMaxTurns                   = "error_max_turns"
	ResultErrorDuringExecution            = "error_during_execution"
	ResultErrorMaxBudgetUSD               = "error_max_budget_usd"
	ResultErrorMaxStructuredOutputRetries = "error_max_structured_output_retries"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool names the derivers care about.
const (
	ToolTodoWrite    = "TodoWrite"
	ToolExitPlanMode = "ExitPlanMode"
	ToolWrite        = "Write"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Event is one NDJSON line from the agent's output stream.
// The Type field determines which of the remaining fields are populated.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// For assistant and user events
	Message *Message `json:"message,omitempty"`

	// For result events. Result is either a string or a structured object.
	Result        json.RawMessage `json:"result,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// For stream_event events (raw partial)
	Event json.RawMessage `json:"event,omitempty"`

	// Raw is the original line, preserved for pass-through delivery.
	Raw json.RawMessage `json:"-"`
}

// Message is the body of an assistant or user event.
type Message struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage counters.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultText returns the result payload as plain text. Structured results
// fall back to their "text" field; anything else returns the raw JSON.
func (e *Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	var data struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Result, &data); err == nil && data.Text != "" {
		return data.Text
	}
	return string(e.Result)
}

// TodoItem is one entry of a TodoWrite tool invocation.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"active_form,omitempty"`
}

// TodoUpdate is derived from an assistant TodoWrite tool use.
type TodoUpdate struct {
	SessionID string     `json:"session_id"`
	Todos     []TodoItem `json:"todos"`
}

// PlanUpdate is derived from an ExitPlanMode tool use or a Write into the
// agent's plans directory.
type PlanUpdate struct {
	SessionID string `json:"session_id"`
	Plan      string `json:"plan"`
	FilePath  string `json:"file_path,omitempty"`
}

// ToolUse is derived from any tool_use content block.
type ToolUse struct {
	SessionID string         `json:"session_id"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}
