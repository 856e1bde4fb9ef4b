package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/transcript"
)

// hookTag marks user messages injected by the host rather than typed by
// the user. Those never become the canonical prompt.
const hookTag = "<user-prompt-submit-hook>"

// archivePrompt is the synthetic prompt for turns that consist entirely
// of system and tool events.
const archivePrompt = "Conversation Archive"

// AssembleInput gathers everything the assembler needs.
type AssembleInput struct {
	Messages    []transcript.Message
	ToolUses    []transcript.ToolUseRef
	ToolResults []transcript.ToolResultRef
	ToolCalls   []memory.ToolCall

	SessionID   string
	ProjectID   string
	ProjectName string
	Source      string
}

// AssembleTurn produces the one canonical turn for persistence. It fails
// only when there are no messages at all; every other shape degrades to
// a one-sided or synthesised turn.
func AssembleTurn(in AssembleInput) (*memory.Turn, error) {
	if len(in.Messages) == 0 {
		return nil, fault.New(fault.InputInvalid, "hooks", "transcript contains no messages")
	}

	var lastUser, lastAssistant *transcript.Message
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case transcript.RoleUser:
			if strings.Contains(msg.Content, hookTag) {
				continue
			}
			lastUser = msg
		case transcript.RoleAssistant:
			lastAssistant = msg
		}
	}

	turn := &memory.Turn{
		SessionID: in.SessionID,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case lastUser != nil && lastAssistant != nil:
		turn.UserPrompt = lastUser.Content
		turn.AssistantResponse = lastAssistant.Content
	case lastUser != nil:
		turn.UserPrompt = lastUser.Content
	case lastAssistant != nil:
		turn.AssistantResponse = lastAssistant.Content
	default:
		// Only system/tool events. Archive them rather than drop them.
		turn.UserPrompt = archivePrompt
		turn.AssistantResponse = archiveMessages(in.Messages)
	}

	turn.ToolCalls = mergeToolCalls(in.ToolCalls, in.ToolUses, in.ToolResults)

	turn.SetMeta(memory.MetaProjectID, in.ProjectID)
	turn.SetMeta(memory.MetaProjectName, in.ProjectName)
	turn.SetMeta(memory.MetaSource, in.Source)
	turn.SetMeta("captured_at", turn.Timestamp.Format(time.RFC3339))
	turn.SetMeta("has_tool_interactions", turn.HasToolInteractions())
	turn.SetMeta("user_prompt_length", len(turn.UserPrompt))
	turn.SetMeta("assistant_response_length", len(turn.AssistantResponse))
	turn.SetMeta(memory.MetaLooksLikeCode, looksLikeCode(turn.AssistantResponse))

	if lastAssistant != nil && lastAssistant.AgentMetadata != nil {
		turn.SetMeta("agent_metadata", lastAssistant.AgentMetadata)
	}

	return turn, nil
}

// archiveMessages concatenates every message with its role tag.
func archiveMessages(messages []transcript.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", msg.Role, msg.Content)
	}
	return b.String()
}

// mergeToolCalls prefers hook-derived calls (richer) and falls back to
// transcript references, deduplicating by call id.
func mergeToolCalls(aggregated []memory.ToolCall,
	uses []transcript.ToolUseRef, results []transcript.ToolResultRef,
) []memory.ToolCall {
	seen := make(map[string]bool, len(aggregated))
	merged := make([]memory.ToolCall, 0, len(aggregated))
	for _, call := range aggregated {
		seen[call.CallID] = true
		merged = append(merged, call)
	}

	resultByID := make(map[string]*transcript.ToolResultRef, len(results))
	for i := range results {
		resultByID[results[i].ToolUseID] = &results[i]
	}

	for _, use := range uses {
		if seen[use.ToolUseID] {
			continue
		}
		call := memory.ToolCall{
			CallID:    use.ToolUseID,
			ToolName:  use.ToolName,
			Input:     use.ToolInput,
			Status:    memory.ToolCallPending,
			Timestamp: use.Timestamp,
		}
		if result := resultByID[use.ToolUseID]; result != nil {
			if result.IsError {
				call.Status = memory.ToolCallError
				call.ErrorMessage = result.Content
			} else {
				call.Status = memory.ToolCallSuccess
				if result.Content != "" {
					if output, err := json.Marshal(result.Content); err == nil {
						call.Output = output
					}
				}
			}
		}
		merged = append(merged, call)
	}
	return merged
}

// looksLikeCode is a cheap heuristic over the assistant response used
// only as a metadata hint for retrieval.
func looksLikeCode(content string) bool {
	if strings.Contains(content, "```") {
		return true
	}
	markers := 0
	for _, marker := range []string{"func ", "def ", "class ", "import ", "return ", "const ", "var ", ":=", "=>"} {
		if strings.Contains(content, marker) {
			markers++
		}
	}
	return markers >= 2
}
