// Package events defines the event kinds and key scheme used for per-session
// fan-out. Every key is `<kind>:<sessionId>`; there are no un-scoped broadcasts.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Event kinds routed per session.
const (
	KindOutput = "output" // raw parsed agent events (system, assistant, user, result, stream_event)
	KindTodo   = "todo"   // derived todo-list updates
	KindPlan   = "plan"   // derived plan updates
	KindTool   = "tool"   // derived tool-use events
	KindResult = "result" // terminal result for a turn
	KindError  = "error"  // stream or process failure
	KindStatus = "status" // session status transitions
)

// Key builds the bus key for a kind scoped to a session.
func Key(kind, sessionID string) string {
	return kind + ":" + sessionID
}

// OutputKey returns the key carrying raw agent events for a session.
func OutputKey(sessionID string) string { return Key(KindOutput, sessionID) }

// TodoKey returns the key carrying todo updates for a session.
func TodoKey(sessionID string) string { return Key(KindTodo, sessionID) }

// PlanKey returns the key carrying plan updates for a session.
func PlanKey(sessionID string) string { return Key(KindPlan, sessionID) }

// ToolKey returns the key carrying tool-use events for a session.
func ToolKey(sessionID string) string { return Key(KindTool, sessionID) }

// ResultKey returns the key carrying the terminal result for a session.
func ResultKey(sessionID string) string { return Key(KindResult, sessionID) }

// ErrorKey returns the key carrying stream errors for a session.
func ErrorKey(sessionID string) string { return Key(KindError, sessionID) }

// StatusKey returns the key carrying status transitions for a session.
func StatusKey(sessionID string) string { return Key(KindStatus, sessionID) }

// Wildcard returns the `<kind>:*` key matching every session's events of one
// kind.
func Wildcard(kind string) string { return Key(kind, "*") }

// SplitKey splits a bus key back into kind and session id.
func SplitKey(key string) (kind, sessionID string, err error) {
	kind, sessionID, ok := strings.Cut(key, ":")
	if !ok || kind == "" || sessionID == "" {
		return "", "", fmt.Errorf("malformed event key: %q", key)
	}
	return kind, sessionID, nil
}

// TodoItem is one entry of a derived todo-update event.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"` // pending, in_progress, completed
	ActiveForm string `json:"active_form,omitempty"`
}

// TodoPayload is the payload published under todo:<sessionId>.
type TodoPayload struct {
	SessionID string     `json:"session_id"`
	Todos     []TodoItem `json:"todos"`
}

// PlanPayload is the payload published under plan:<sessionId>.
type PlanPayload struct {
	SessionID string `json:"session_id"`
	Plan      string `json:"plan"`
	FilePath  string `json:"file_path,omitempty"`
}

// ToolUsePayload is the payload published under tool:<sessionId>.
type ToolUsePayload struct {
	SessionID string         `json:"session_id"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

// ResultPayload is the payload published under result:<sessionId>.
type ResultPayload struct {
	SessionID    string  `json:"session_id"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Result       string  `json:"result,omitempty"`
	Interrupted  bool    `json:"interrupted,omitempty"`
}

// ErrorPayload is the payload published under error:<sessionId>. Interrupted
// marks errors raised by an explicit interrupt rather than a stream failure.
type ErrorPayload struct {
	SessionID   string    `json:"session_id"`
	Message     string    `json:"message"`
	Code        string    `json:"code,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusPayload is the payload published under status:<sessionId>.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}
