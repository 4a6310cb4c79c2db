package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// scenario names selectable by the prompt's first word (with or without a
// leading slash).
const (
	scenarioDefault = "default"
	scenarioTodo    = "todo"
	scenarioPlan    = "plan"
	scenarioTools   = "tools"
	scenarioError   = "error"
)

func pickScenario(prompt string) string {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return scenarioDefault
	}
	first := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	switch first {
	case scenarioTodo, scenarioPlan, scenarioTools, scenarioError:
		return first
	}
	return scenarioDefault
}

func emitInit(enc *json.Encoder, model string) error {
	return enc.Encode(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      model,
		"tools":      []string{"Bash", "Read", "Edit", "Write", "TodoWrite", "ExitPlanMode"},
	})
}

// playScenario writes one turn's scripted events followed by its result.
func playScenario(enc *json.Encoder, name, prompt, model string) error {
	switch name {
	case scenarioTodo:
		return playTodo(enc, model)
	case scenarioPlan:
		return playPlan(enc, model)
	case scenarioTools:
		return playTools(enc, model)
	case scenarioError:
		return playError(enc)
	default:
		return playDefault(enc, prompt, model)
	}
}

func playDefault(enc *json.Encoder, prompt, model string) error {
	text := fmt.Sprintf("Mock response to: %s", strings.TrimSpace(prompt))
	if err := emitAssistantText(enc, model, text); err != nil {
		return err
	}
	return emitResult(enc, text, false)
}

func playTodo(enc *json.Encoder, model string) error {
	steps := [][]map[string]string{
		{
			{"content": "Inspect the repository", "status": "in_progress", "active_form": "Inspecting the repository"},
			{"content": "Apply the change", "status": "pending", "active_form": "Applying the change"},
		},
		{
			{"content": "Inspect the repository", "status": "completed", "active_form": "Inspecting the repository"},
			{"content": "Apply the change", "status": "in_progress", "active_form": "Applying the change"},
		},
		{
			{"content": "Inspect the repository", "status": "completed", "active_form": "Inspecting the repository"},
			{"content": "Apply the change", "status": "completed", "active_form": "Applying the change"},
		},
	}
	for i, todos := range steps {
		if err := emitToolUse(enc, model, fmt.Sprintf("todo-%d", i+1), "TodoWrite", map[string]any{"todos": todos}); err != nil {
			return err
		}
	}
	return emitResult(enc, "All todos completed", false)
}

func playPlan(enc *json.Encoder, model string) error {
	const plan = "1. Survey the code\n2. Make the change\n3. Run the tests"
	if err := emitToolUse(enc, model, "plan-1", "ExitPlanMode", map[string]any{"plan": plan}); err != nil {
		return err
	}
	if err := emitToolUse(enc, model, "plan-2", "Write", map[string]any{
		"file_path": "/home/user/.claude/plans/refactor.md",
		"content":   plan,
	}); err != nil {
		return err
	}
	return emitResult(enc, "Plan recorded", false)
}

func playTools(enc *json.Encoder, model string) error {
	uses := []struct {
		id    string
		name  string
		input map[string]any
	}{
		{"tool-1", "Read", map[string]any{"file_path": "/src/main.go"}},
		{"tool-2", "Bash", map[string]any{"command": "go test ./..."}},
		{"tool-3", "Edit", map[string]any{"file_path": "/src/main.go", "old_string": "a", "new_string": "b"}},
	}
	for _, use := range uses {
		if err := emitToolUse(enc, model, use.id, use.name, use.input); err != nil {
			return err
		}
	}
	if err := emitAssistantText(enc, model, "Ran the tools"); err != nil {
		return err
	}
	return emitResult(enc, "Done with tools", false)
}

func playError(enc *json.Encoder) error {
	return emitResult(enc, "simulated failure", true)
}

func emitAssistantText(enc *json.Encoder, model, text string) error {
	return enc.Encode(map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"role":    "assistant",
			"model":   model,
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

func emitToolUse(enc *json.Encoder, model, id, name string, input map[string]any) error {
	return enc.Encode(map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"role":  "assistant",
			"model": model,
			"content": []map[string]any{{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": input,
			}},
		},
	})
}

func emitResult(enc *json.Encoder, text string, isError bool) error {
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	return enc.Encode(map[string]any{
		"type":           "result",
		"subtype":        subtype,
		"session_id":     sessionID,
		"is_error":       isError,
		"num_turns":      1,
		"duration_ms":    120,
		"total_cost_usd": 0.003,
		"usage":          map[string]any{"input_tokens": 25, "output_tokens": 50},
		"result":         text,
	})
}
