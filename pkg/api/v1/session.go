package v1

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusActive      SessionStatus = "active"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusError       SessionStatus = "error"
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// PermissionMode controls how the agent's tool invocations are gated
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePlan              PermissionMode = "plan"
)

// MCPServerState represents the connection state of a configured MCP server
type MCPServerState string

const (
	MCPServerPending   MCPServerState = "pending"
	MCPServerConnected MCPServerState = "connected"
	MCPServerFailed    MCPServerState = "failed"
	MCPServerNeedsAuth MCPServerState = "needs-auth"
)

// SystemPromptConfig is either a free-form prompt string or a named preset
// with an optional appended suffix. Exactly one of Text or Preset is set.
type SystemPromptConfig struct {
	Text   string `json:"text,omitempty"`
	Preset string `json:"preset,omitempty"`
	Append string `json:"append,omitempty"`
}

// ToolsConfig is either an explicit tool list or a named preset.
type ToolsConfig struct {
	Tools  []string `json:"tools,omitempty"`
	Preset string   `json:"preset,omitempty"`
}

// MCPServerConfig describes one MCP server entry by transport kind.
// Stdio entries have Command set; SSE and HTTP entries have Type and URL set.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"` // "", "sse", or "http"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MCPServerStatus is the per-server projection returned by mcpServerStatus.
type MCPServerStatus struct {
	Name   string         `json:"name"`
	Status MCPServerState `json:"status"`
}

// MCPServer is a configured MCP server together with its probe state.
type MCPServer struct {
	Name   string          `json:"name"`
	Config MCPServerConfig `json:"config"`
	Status MCPServerState  `json:"status"`
}

// Usage holds accumulated token counters for a session.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// SessionError records why a session entered the error status.
type SessionError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a logical conversation with one agent process.
type Session struct {
	ID              string              `json:"id"`
	Status          SessionStatus       `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	LastActivityAt  time.Time           `json:"last_activity_at"`
	Cwd             string              `json:"cwd,omitempty"`
	Model           string              `json:"model,omitempty"`
	FallbackModel   string              `json:"fallback_model,omitempty"`
	SystemPrompt    *SystemPromptConfig `json:"system_prompt,omitempty"`
	Tools           *ToolsConfig        `json:"tools,omitempty"`
	AllowedTools    []string            `json:"allowed_tools,omitempty"`
	DisallowedTools []string            `json:"disallowed_tools,omitempty"`
	PermissionMode  PermissionMode      `json:"permission_mode"`
	TurnCount       int                 `json:"turn_count"`
	TotalCostUSD    float64             `json:"total_cost_usd"`
	Usage           Usage               `json:"usage"`
	MCPServers      []MCPServer         `json:"mcp_servers,omitempty"`
	AgentSessionID  string              `json:"agent_session_id,omitempty"`
	Error           *SessionError       `json:"error,omitempty"`
}

// ModelInfo describes one entry in the supported-models catalog.
type ModelInfo struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	Aliases          []string `json:"aliases,omitempty"`
	ContextWindow    int      `json:"context_window"`
	DefaultMaxTokens int      `json:"default_max_tokens"`
}

// SessionOptions are the recognized keys accepted by createSession and query.
// Unknown top-level keys are handled per the configured validation mode.
type SessionOptions struct {
	APIKey                          string                     `json:"apiKey,omitempty"`
	Model                           string                     `json:"model,omitempty"`
	FallbackModel                   string                     `json:"fallbackModel,omitempty"`
	Cwd                             string                     `json:"cwd,omitempty"`
	Env                             map[string]string          `json:"env,omitempty"`
	SystemPrompt                    *SystemPromptConfig        `json:"systemPrompt,omitempty"`
	Tools                           *ToolsConfig               `json:"tools,omitempty"`
	AllowedTools                    []string                   `json:"allowedTools,omitempty"`
	DisallowedTools                 []string                   `json:"disallowedTools,omitempty"`
	PermissionMode                  PermissionMode             `json:"permissionMode,omitempty"`
	AllowDangerouslySkipPermissions bool                       `json:"allowDangerouslySkipPermissions,omitempty"`
	MaxTurns                        *int                       `json:"maxTurns,omitempty"`
	MaxBudgetUSD                    *float64                   `json:"maxBudgetUsd,omitempty"`
	MaxThinkingTokens               *int                       `json:"maxThinkingTokens,omitempty"`
	MCPServers                      map[string]MCPServerConfig `json:"mcpServers,omitempty"`
	SleepAfter                      string                     `json:"sleepAfter,omitempty"`
	KeepAlive                       bool                       `json:"keepAlive,omitempty"`
	IncludePartialMessages          bool                       `json:"includePartialMessages,omitempty"`
	Resume                          string                     `json:"resume,omitempty"`
	Continue                        bool                       `json:"continue,omitempty"`
	ForkSession                     bool                       `json:"forkSession,omitempty"`
}

// RegistryStats reports cache behavior and session counts by status.
type RegistryStats struct {
	CacheSize   int                   `json:"cache_size"`
	MaxSessions int                   `json:"max_sessions"`
	Hits        int64                 `json:"hits"`
	Misses      int64                 `json:"misses"`
	Evictions   int64                 `json:"evictions"`
	ByStatus    map[SessionStatus]int `json:"by_status"`
}
