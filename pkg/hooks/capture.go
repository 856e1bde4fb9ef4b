package hooks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sagemem/sage/pkg/hookstate"
)

// HookInput is the JSON payload the host pipes to a hook process on
// stdin.
type HookInput struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	CWD            string          `json:"cwd,omitempty"`
	HookEventName  string          `json:"hook_event_name,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`
	IsError        bool            `json:"is_error,omitempty"`
	ErrorMessage   string          `json:"error,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
}

// ReadHookInput decodes the stdin payload.
func ReadHookInput(r io.Reader) (*HookInput, error) {
	data, err := io.ReadAll(io.LimitReader(r, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read hook input: %w", err)
	}
	var input HookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse hook input: %w", err)
	}
	return &input, nil
}

// ProjectIdentity derives a stable project id and display name from the
// working directory. Records in the shared state directory are filtered
// by this id, never by path.
func ProjectIdentity(cwd string) (id, name string) {
	if cwd == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(cwd))
	return hex.EncodeToString(sum[:8]), filepath.Base(cwd)
}

// CapturePre records the pre-tool half of a hook record. Errors are
// logged, never returned to the host: a capture failure must not block
// the tool call.
func CapturePre(r io.Reader, store *hookstate.Store) {
	input, err := ReadHookInput(r)
	if err != nil {
		slog.Warn("Pre-tool capture skipped", "component", "hooks", "error", err)
		return
	}
	if input.ToolUseID == "" {
		slog.Warn("Pre-tool capture skipped, no tool_use_id",
			"component", "hooks", "tool", input.ToolName)
		return
	}

	projectID, projectName := ProjectIdentity(input.CWD)
	err = store.RecordPre(input.ToolUseID, &hookstate.PreCall{
		SessionID:   input.SessionID,
		ToolName:    input.ToolName,
		ToolInput:   input.ToolInput,
		Timestamp:   time.Now().UTC(),
		ProjectID:   projectID,
		ProjectName: projectName,
	})
	if err != nil {
		slog.Warn("Pre-tool capture failed",
			"component", "hooks", "call_id", input.ToolUseID, "error", err)
	}
}

// CapturePost records the post-tool half.
func CapturePost(r io.Reader, store *hookstate.Store) {
	input, err := ReadHookInput(r)
	if err != nil {
		slog.Warn("Post-tool capture skipped", "component", "hooks", "error", err)
		return
	}
	if input.ToolUseID == "" {
		slog.Warn("Post-tool capture skipped, no tool_use_id",
			"component", "hooks", "tool", input.ToolName)
		return
	}

	err = store.RecordPost(input.ToolUseID, &hookstate.PostCall{
		ToolOutput:      input.ToolResponse,
		ExecutionTimeMS: input.DurationMS,
		IsError:         input.IsError,
		ErrorMessage:    input.ErrorMessage,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("Post-tool capture failed",
			"component", "hooks", "call_id", input.ToolUseID, "error", err)
	}
}
