package session

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind tags one entry in a session's event stream.
type EventKind int

const (
	// PartialOutput carries intermediate agent output: message deltas,
	// reasoning, task progress.
	PartialOutput EventKind = iota
	// ToolInvocation reports the agent starting or finishing a tool or
	// command execution.
	ToolInvocation
	// Completed terminates a request's stream with its final result text.
	Completed
	// Failed terminates a request's stream with an error.
	Failed
)

func (k EventKind) String() string {
	switch k {
	case PartialOutput:
		return "partial_output"
	case ToolInvocation:
		return "tool_invocation"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one entry in a session's outbox. Each request produces a finite
// stream: zero or more PartialOutput/ToolInvocation entries followed by
// exactly one Completed or Failed.
type Event struct {
	Kind EventKind
	Time time.Time
	// Text is the human-readable content: agent output for
	// PartialOutput/Completed, a description for ToolInvocation.
	Text string
	// Payload is the raw notification payload, when the event came from
	// one.
	Payload json.RawMessage
	// Err is set for Failed events.
	Err error
}

func newEvent(kind EventKind) Event {
	return Event{Kind: kind, Time: time.Now()}
}

// classifyNotification maps an agent event type to the outbox event kind.
// Tool and command executions surface as ToolInvocation; everything else
// is partial output.
func classifyNotification(eventType string) EventKind {
	switch {
	case strings.HasPrefix(eventType, "exec_command"),
		strings.HasPrefix(eventType, "mcp_tool_call"),
		strings.HasPrefix(eventType, "patch_apply"),
		strings.HasPrefix(eventType, "web_search"):
		return ToolInvocation
	default:
		return PartialOutput
	}
}

// notificationText extracts displayable text from a notification payload.
// Agent messages carry "message" or "delta"; commands carry the argv.
func notificationText(payload json.RawMessage) string {
	var fields struct {
		Message string   `json:"message"`
		Delta   string   `json:"delta"`
		Text    string   `json:"text"`
		Command []string `json:"command"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	switch {
	case fields.Message != "":
		return fields.Message
	case fields.Delta != "":
		return fields.Delta
	case fields.Text != "":
		return fields.Text
	case len(fields.Command) > 0:
		return strings.Join(fields.Command, " ")
	}
	return ""
}

// resultText extracts the final text from a tools/call result. MCP results
// carry a content array of typed blocks; the text blocks are concatenated.
func resultText(result json.RawMessage) string {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return ""
	}
	var parts []string
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
