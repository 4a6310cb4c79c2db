package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
	v1 "github.com/batondev/baton/pkg/api/v1"
)

// UnknownFieldMode controls what happens to unrecognized top-level option
// keys.
type UnknownFieldMode string

const (
	UnknownFieldStrict UnknownFieldMode = "strict"
	UnknownFieldWarn   UnknownFieldMode = "warn"
	UnknownFieldSilent UnknownFieldMode = "silent"
)

// ValidationError reports an invalid option with the offending field name.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid option %q: %s", e.Field, e.Reason)
}

// modelNameRe admits only shell-safe model identifiers.
var modelNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// knownOptionKeys mirrors the JSON tags of v1.SessionOptions.
var knownOptionKeys = map[string]struct{}{
	"apiKey": {}, "model": {}, "fallbackModel": {}, "cwd": {}, "env": {},
	"systemPrompt": {}, "tools": {}, "allowedTools": {}, "disallowedTools": {},
	"permissionMode": {}, "allowDangerouslySkipPermissions": {}, "maxTurns": {},
	"maxBudgetUsd": {}, "maxThinkingTokens": {}, "mcpServers": {}, "sleepAfter": {},
	"keepAlive": {}, "includePartialMessages": {}, "resume": {}, "continue": {},
	"forkSession": {},
}

// ParseOptions decodes raw createSession/query options, applying the unknown
// field policy before any validation side effect. A nil raw value yields
// empty options.
func ParseOptions(raw json.RawMessage, mode UnknownFieldMode, log *logger.Logger) (*v1.SessionOptions, error) {
	if len(raw) == 0 {
		return &v1.SessionOptions{}, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Field: "options", Reason: "must be a JSON object"}
	}

	for key := range top {
		if _, ok := knownOptionKeys[key]; ok {
			continue
		}
		switch mode {
		case UnknownFieldStrict:
			return nil, &ValidationError{Field: key, Reason: "unknown option"}
		case UnknownFieldSilent:
		default:
			log.Warn("ignoring unknown session option", zap.String("field", key))
		}
	}

	var opts v1.SessionOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, &ValidationError{Field: "options", Reason: err.Error()}
	}
	if err := ValidateOptions(&opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// ValidateOptions checks the recognized option values. It runs before any
// session state is created.
func ValidateOptions(opts *v1.SessionOptions) error {
	if opts.MaxTurns != nil && *opts.MaxTurns <= 0 {
		return &ValidationError{Field: "maxTurns", Reason: "must be a positive number"}
	}
	if opts.MaxBudgetUSD != nil && *opts.MaxBudgetUSD <= 0 {
		return &ValidationError{Field: "maxBudgetUsd", Reason: "must be a positive number"}
	}
	if opts.MaxThinkingTokens != nil && *opts.MaxThinkingTokens <= 0 {
		return &ValidationError{Field: "maxThinkingTokens", Reason: "must be a positive number"}
	}
	if opts.Cwd != "" {
		if err := validateCwd(opts.Cwd); err != nil {
			return err
		}
	}
	if opts.Model != "" && !modelNameRe.MatchString(opts.Model) {
		return &ValidationError{Field: "model", Reason: "must match [A-Za-z0-9._-]+"}
	}
	if opts.FallbackModel != "" && !modelNameRe.MatchString(opts.FallbackModel) {
		return &ValidationError{Field: "fallbackModel", Reason: "must match [A-Za-z0-9._-]+"}
	}
	if opts.PermissionMode != "" && !validPermissionMode(opts.PermissionMode) {
		return &ValidationError{Field: "permissionMode", Reason: "must be one of: default, acceptEdits, bypassPermissions, plan"}
	}
	for key := range opts.Env {
		if strings.ContainsRune(key, 0) {
			return &ValidationError{Field: "env", Reason: "key contains null byte"}
		}
	}
	return nil
}

// validateCwd rejects path-traversal segments in a working directory.
func validateCwd(cwd string) error {
	if strings.ContainsRune(cwd, 0) {
		return &ValidationError{Field: "cwd", Reason: "contains null byte"}
	}
	for _, seg := range strings.Split(cwd, "/") {
		if seg == ".." {
			return &ValidationError{Field: "cwd", Reason: "path traversal segment not allowed"}
		}
	}
	return nil
}

func validPermissionMode(mode v1.PermissionMode) bool {
	switch mode {
	case v1.PermissionModeDefault, v1.PermissionModeAcceptEdits,
		v1.PermissionModeBypassPermissions, v1.PermissionModePlan:
		return true
	}
	return false
}
