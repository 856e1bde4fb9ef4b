// Package transcript extracts messages and tool references from host
// transcripts, either newline-delimited JSON events or plain
// Human:/Assistant: interleaved text.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// DefaultTailLines bounds how far back into the transcript the parser
// looks. The stop hook cares about the current turn, not the history.
const DefaultTailLines = 50

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentItem is one element of a structured message content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one extracted transcript message.
type Message struct {
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp,omitempty"`
	UUID          string         `json:"uuid,omitempty"`
	ContentItems  []ContentItem  `json:"content_items,omitempty"`
	AgentMetadata *AgentMetadata `json:"agent_metadata,omitempty"`
}

// ToolUseRef is a tool invocation observed in the transcript.
type ToolUseRef struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID string          `json:"tool_use_id"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ToolResultRef is a tool result observed in the transcript.
type ToolResultRef struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Transcript is the parse product.
type Transcript struct {
	Messages     []Message
	ToolUses     []ToolUseRef
	ToolResults  []ToolResultRef
	SkippedLines int
}

// event mirrors one JSONL transcript line.
type event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UUID      string    `json:"uuid"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentItem mirrors one element of a structured content array.
type contentItem struct {
	Type string `json:"type"`

	// type == "text" / "thinking"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParseJSONL parses the last maxLines events of a JSONL transcript file.
// Malformed lines are skipped and counted, never fatal.
func ParseJSONL(path string, maxLines int) (*Transcript, error) {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}

	lines, err := tailLines(path, maxLines)
	if err != nil {
		return nil, err
	}

	result := &Transcript{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			result.SkippedLines++
			slog.Debug("Skipping invalid JSON line",
				"component", "transcript", "path", path, "error", err)
			continue
		}

		switch ev.Type {
		case "user", "assistant":
			parseMessageEvent(&ev, result)
		case "tool_result":
			parseToolResultEvent(&ev, result)
		}
	}

	return result, nil
}

// tailLines returns the last n lines of a file.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return lines, nil
}

func parseMessageEvent(ev *event, result *Transcript) {
	role := ev.Message.Role
	if role == "" {
		role = ev.Type
	}

	message := Message{
		Role:      role,
		Timestamp: ev.Timestamp,
		UUID:      ev.UUID,
	}

	// Content is either a bare string or an array of typed items.
	var text string
	if err := json.Unmarshal(ev.Message.Content, &text); err == nil {
		message.Content = text
	} else {
		var items []contentItem
		if err := json.Unmarshal(ev.Message.Content, &items); err != nil {
			return
		}

		var parts []string
		for _, item := range items {
			switch item.Type {
			case "text":
				parts = append(parts, item.Text)
				message.ContentItems = append(message.ContentItems,
					ContentItem{Type: "text", Text: item.Text})
			case "thinking":
				thought := item.Thinking
				if thought == "" {
					thought = item.Text
				}
				// Thinking is tagged, not discarded.
				message.ContentItems = append(message.ContentItems,
					ContentItem{Type: "thinking", Text: "[思维链] " + thought})
			case "tool_use":
				result.ToolUses = append(result.ToolUses, ToolUseRef{
					ToolName:  item.Name,
					ToolInput: item.Input,
					ToolUseID: item.ID,
					Timestamp: ev.Timestamp,
				})
			case "tool_result":
				result.ToolResults = append(result.ToolResults, ToolResultRef{
					ToolUseID: item.ToolUseID,
					Content:   flattenContent(item.Content),
					IsError:   item.IsError,
				})
			}
		}
		message.Content = strings.Join(parts, "\n")
	}

	if message.Content == "" && len(message.ContentItems) == 0 {
		return
	}

	if role == RoleAssistant {
		message.AgentMetadata = DetectAgentReport(message.Content)
	}
	result.Messages = append(result.Messages, message)
}

func parseToolResultEvent(ev *event, result *Transcript) {
	var items []contentItem
	if err := json.Unmarshal(ev.Message.Content, &items); err != nil {
		return
	}
	for _, item := range items {
		if item.Type != "tool_result" {
			continue
		}
		result.ToolResults = append(result.ToolResults, ToolResultRef{
			ToolUseID: item.ToolUseID,
			Content:   flattenContent(item.Content),
			IsError:   item.IsError,
		})
	}
}

// flattenContent renders a tool-result content value, which may be a
// string or an array of text items, as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return string(raw)
	}
	var parts []string
	for _, item := range items {
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ParseText splits a plain-text stream on line-start Human: and
// Assistant: anchors. Lines without a new anchor accumulate into the
// current role.
func ParseText(content string) []Message {
	var messages []Message
	var current *Message
	var buf []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(buf, "\n"))
		if current.Content != "" {
			if current.Role == RoleAssistant {
				current.AgentMetadata = DetectAgentReport(current.Content)
			}
			messages = append(messages, *current)
		}
		current = nil
		buf = nil
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "Human:"):
			flush()
			current = &Message{Role: RoleUser}
			buf = append(buf, strings.TrimPrefix(line, "Human:"))
		case strings.HasPrefix(line, "Assistant:"):
			flush()
			current = &Message{Role: RoleAssistant}
			buf = append(buf, strings.TrimPrefix(line, "Assistant:"))
		default:
			if current != nil {
				buf = append(buf, line)
			}
		}
	}
	flush()
	return messages
}
