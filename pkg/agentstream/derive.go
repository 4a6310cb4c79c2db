package agentstream

import (
	"encoding/json"
	"strings"
)

// Derivers turn a raw event sequence into the higher-level updates the
// orchestrator publishes. All of them process events in arrival order and
// are pure functions over the slice.

// ExtractTodoUpdates returns one update per assistant TodoWrite tool use
// whose input carries a well-formed todos list.
func ExtractTodoUpdates(events []*Event) []TodoUpdate {
	var updates []TodoUpdate
	for _, ev := range events {
		if ev.Type != EventTypeAssistant || ev.Message == nil {
			continue
		}
		for _, block := range ev.Message.Content {
			if block.Type != BlockToolUse || block.Name != ToolTodoWrite {
				continue
			}
			todos, ok := decodeTodos(block.Input)
			if !ok {
				continue
			}
			updates = append(updates, TodoUpdate{
				SessionID: ev.SessionID,
				Todos:     todos,
			})
		}
	}
	return updates
}

func decodeTodos(input map[string]any) ([]TodoItem, bool) {
	rawList, ok := input["todos"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(rawList)
	if err != nil {
		return nil, false
	}
	var todos []TodoItem
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil, false
	}
	for _, item := range todos {
		switch item.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return nil, false
		}
	}
	return todos, true
}

// ExtractPlanUpdates returns one update per ExitPlanMode tool use, plus one
// per Write into the agent's plans directory.
func ExtractPlanUpdates(events []*Event) []PlanUpdate {
	var updates []PlanUpdate
	for _, block := range toolUseBlocks(events) {
		switch block.name {
		case ToolExitPlanMode:
			plan, _ := block.input["plan"].(string)
			if plan == "" {
				continue
			}
			updates = append(updates, PlanUpdate{
				SessionID: block.sessionID,
				Plan:      plan,
			})
		case ToolWrite:
			path, _ := block.input["file_path"].(string)
			if !isPlanPath(path) {
				continue
			}
			content, _ := block.input["content"].(string)
			updates = append(updates, PlanUpdate{
				SessionID: block.sessionID,
				Plan:      content,
				FilePath:  path,
			})
		}
	}
	return updates
}

func isPlanPath(path string) bool {
	const marker = "/.claude/plans/"
	i := strings.LastIndex(path, marker)
	if i < 0 {
		return false
	}
	name := path[i+len(marker):]
	return name != "" && !strings.Contains(name, "/") && strings.HasSuffix(name, ".md")
}

// ExtractToolUses returns every tool_use block as a ToolUse. Repeated tool
// use ids are emitted each time they appear; downstream dedupes if needed.
func ExtractToolUses(events []*Event) []ToolUse {
	var uses []ToolUse
	for _, block := range toolUseBlocks(events) {
		uses = append(uses, ToolUse{
			SessionID: block.sessionID,
			ID:        block.id,
			Name:      block.name,
			Input:     block.input,
		})
	}
	return uses
}

// ExtractResult returns the last result event in the sequence, or nil.
func ExtractResult(events []*Event) *Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventTypeResult {
			return events[i]
		}
	}
	return nil
}

// ExtractSessionID returns the session id announced by the first system init
// event, or "" if none has arrived yet.
func ExtractSessionID(events []*Event) string {
	for _, ev := range events {
		if ev.Type == EventTypeSystem && ev.Subtype == SubtypeInit {
			return ev.SessionID
		}
	}
	return ""
}

// IsComplete reports whether the sequence contains a terminal result event.
func IsComplete(events []*Event) bool {
	return ExtractResult(events) != nil
}

// HasError reports whether the terminal result event flagged an error.
func HasError(events []*Event) bool {
	res := ExtractResult(events)
	return res != nil && res.IsError
}

type taggedToolUse struct {
	sessionID string
	id        string
	name      string
	input     map[string]any
}

func toolUseBlocks(events []*Event) []taggedToolUse {
	var blocks []taggedToolUse
	for _, ev := range events {
		if ev.Message == nil {
			continue
		}
		for _, block := range ev.Message.Content {
			if block.Type != BlockToolUse {
				continue
			}
			blocks = append(blocks, taggedToolUse{
				sessionID: ev.SessionID,
				id:        block.ID,
				name:      block.Name,
				input:     block.Input,
			})
		}
	}
	return blocks
}
