// Package memory defines the conversational turn model and the Postgres +
// pgvector store that persists it.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagemem/sage/pkg/fault"
)

// ToolCallStatus is the lifecycle state of one tool invocation.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is one tool invocation inside a turn. The call id is supplied
// by the host and reconciles pre/post hook events.
type ToolCall struct {
	CallID          string          `json:"call_id"`
	ToolName        string          `json:"tool_name"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          ToolCallStatus  `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Turn is one complete user/assistant exchange including the tool calls
// made during the assistant's response. Immutable after persistence.
type Turn struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	TurnIndex         int            `json:"turn_index"`
	Timestamp         time.Time      `json:"timestamp"`
	UserPrompt        string         `json:"user_prompt"`
	AssistantResponse string         `json:"assistant_response"`
	ToolCalls         []ToolCall     `json:"tool_calls,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the storage precondition: at least one side of the
// turn must be non-empty. One-sided turns are legitimate (tool results,
// system notes).
func (t *Turn) Validate() error {
	if t.UserPrompt == "" && t.AssistantResponse == "" {
		return fault.New(fault.InputInvalid, "memory", "turn has neither user prompt nor assistant response")
	}
	return nil
}

// EmbeddingText is the text embedded for the turn: both sides joined, so
// a later query can match either.
func (t *Turn) EmbeddingText() string {
	switch {
	case t.UserPrompt == "":
		return t.AssistantResponse
	case t.AssistantResponse == "":
		return t.UserPrompt
	default:
		return t.UserPrompt + "\n" + t.AssistantResponse
	}
}

// HasToolInteractions reports whether any tool calls were captured.
func (t *Turn) HasToolInteractions() bool {
	return len(t.ToolCalls) > 0
}

// Memory roles. Tool-enriched turns may store a richer role string.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StoredMemory is one persisted row of the conversations table.
type StoredMemory struct {
	ID            int64          `json:"id"`
	SessionID     string         `json:"session_id"`
	TurnIndex     int            `json:"turn_index"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Embedding     []float32      `json:"-"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IsAgentReport bool           `json:"is_agent_report,omitempty"`
	AgentMetadata map[string]any `json:"agent_metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`

	// Similarity is populated on vector search results, in [0,1].
	Similarity float64 `json:"similarity,omitempty"`
}

// ContentHash is a stable hash used as the final ranking tie-breaker.
func (m *StoredMemory) ContentHash() string {
	sum := sha256.Sum256([]byte(m.Content))
	return hex.EncodeToString(sum[:8])
}

// Stats is the statistics block served by get_memory_stats.
type Stats struct {
	Total          int64      `json:"total"`
	Sessions       int64      `json:"sessions"`
	WithEmbeddings int64      `json:"with_embeddings"`
	Earliest       *time.Time `json:"earliest,omitempty"`
	Latest         *time.Time `json:"latest,omitempty"`
	Range          string     `json:"range,omitempty"`
}

// Known metadata keys promoted to typed accessors; everything else in the
// metadata bag passes through untouched.
const (
	MetaProjectID     = "project_id"
	MetaProjectName   = "project_name"
	MetaSource        = "source"
	MetaLooksLikeCode = "looks_like_code"
)

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ProjectID returns the project id metadata, if present.
func (t *Turn) ProjectID() string { return metaString(t.Metadata, MetaProjectID) }

// ProjectName returns the project name metadata, if present.
func (t *Turn) ProjectName() string { return metaString(t.Metadata, MetaProjectName) }

// Source returns the source tag metadata, if present.
func (t *Turn) Source() string { return metaString(t.Metadata, MetaSource) }

// SetMeta sets a metadata key, allocating the bag on first use.
func (t *Turn) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// MarshalMetadata renders the metadata bag as JSON for the jsonb column.
func MarshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}
