package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mitchellh/mapstructure"

	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/retrieval"
)

// Input bounds enforced before any storage or provider work.
const (
	maxUserPromptLen        = 10000
	maxAssistantResponseLen = 50000
	maxContextQueryLen      = 1000
	maxSearchQueryLen       = 500
)

type saveConversationArgs struct {
	UserPrompt        string         `json:"user_prompt" jsonschema:"description=The user's prompt for this turn"`
	AssistantResponse string         `json:"assistant_response" jsonschema:"description=The assistant's response for this turn"`
	SessionID         string         `json:"session_id,omitempty" jsonschema:"description=Session UUID; generated when omitted"`
	Metadata          map[string]any `json:"metadata,omitempty" jsonschema:"description=Free-form metadata attached to the turn"`
}

type getContextArgs struct {
	Query              string `json:"query" jsonschema:"description=What to retrieve context for"`
	MaxResults         int    `json:"max_results,omitempty" jsonschema:"description=Result count 1-50; default 10"`
	EnableLLMSummary   bool   `json:"enable_llm_summary,omitempty" jsonschema:"description=Reserved; summaries are not generated"`
	EnableNeuralRerank bool   `json:"enable_neural_rerank,omitempty" jsonschema:"description=Refine ranking with the neural reranker"`
	ContextWindow      int    `json:"context_window,omitempty" jsonschema:"description=Token budget 500-8000 for the formatted context"`
}

type searchMemoryArgs struct {
	Query               string   `json:"query" jsonschema:"description=Search text"`
	N                   int      `json:"n,omitempty" jsonschema:"description=Result count 1-20; default 5"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" jsonschema:"description=Minimum similarity 0-1"`
}

type getMemoryStatsArgs struct {
	IncludePerformance bool `json:"include_performance,omitempty" jsonschema:"description=Include handler performance counters"`
}

type clearSessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=UUID of the session to remove"`
}

// toolSchema reflects an args struct into a self-contained JSON schema.
func toolSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection of our own static types cannot fail at runtime.
		panic(fmt.Sprintf("tool schema reflection failed: %v", err))
	}
	return data
}

// decodeArgs maps the raw tool arguments onto a typed struct.
func decodeArgs(request mcp.CallToolRequest, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(request.GetArguments()); err != nil {
		return fault.Wrapf(fault.InputInvalid, "server", err, "invalid tool arguments")
	}
	return nil
}

// withDBRetry retries transient storage failures with 1/2/4 s backoff.
// Validation and fatal errors pass through untouched.
func (s *Server) withDBRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			s.metrics.observeRetry()
			delay := time.Duration(1<<(attempt-1)) * s.retryBase
			slog.Debug("Retrying storage operation",
				"component", "server", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return fault.Wrap(fault.Cancelled, "server", ctx.Err())
			case <-time.After(delay):
			}
		}
		lastErr = op(ctx)
		if lastErr == nil || !fault.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// toolError records the failure and renders it as an isError result,
// never as a protocol error.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	kind := string(fault.KindOf(err))
	s.metrics.observeError(tool, kind)
	slog.Warn("Tool call failed",
		"component", "server", "tool", tool, "kind", kind, "error", err)
	return mcp.NewToolResultError(fault.UserMessage(err))
}

func (s *Server) handleSaveConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	defer s.metrics.observeCall("save_conversation", start)

	var args saveConversationArgs
	if err := decodeArgs(request, &args); err != nil {
		return s.toolError("save_conversation", err), nil
	}

	if args.UserPrompt == "" && args.AssistantResponse == "" {
		return s.toolError("save_conversation", fault.New(fault.InputInvalid, "server",
			"at least one of user_prompt and assistant_response is required")), nil
	}
	if len(args.UserPrompt) > maxUserPromptLen {
		return s.toolError("save_conversation", fault.Newf(fault.InputInvalid, "server",
			"user_prompt exceeds %d characters", maxUserPromptLen)), nil
	}
	if len(args.AssistantResponse) > maxAssistantResponseLen {
		return s.toolError("save_conversation", fault.Newf(fault.InputInvalid, "server",
			"assistant_response exceeds %d characters", maxAssistantResponseLen)), nil
	}

	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		return s.toolError("save_conversation", fault.New(fault.InputInvalid, "server",
			"session_id must be a UUID")), nil
	}

	turn := &memory.Turn{
		SessionID:         sessionID,
		Timestamp:         time.Now().UTC(),
		UserPrompt:        args.UserPrompt,
		AssistantResponse: args.AssistantResponse,
		Metadata:          args.Metadata,
	}
	turn.SetMeta(memory.MetaSource, "mcp")

	var saved *memory.SavedTurn
	err := s.withDBRetry(ctx, func(ctx context.Context) error {
		var saveErr error
		saved, saveErr = s.store.Save(ctx, turn)
		return saveErr
	})
	if err != nil {
		s.backupTurn(turn)
		return s.toolError("save_conversation", err), nil
	}

	if s.engine != nil {
		s.engine.InvalidateSession(sessionID)
		s.metrics.observeInvalidation()
	}

	summary := fmt.Sprintf("Saved turn %d of session %s (%d memories)",
		saved.TurnIndex, saved.SessionID, len(saved.MemoryIDs))
	payload, _ := json.Marshal(map[string]any{
		"session_id": saved.SessionID,
		"turn_id":    saved.TurnIndex,
		"summary":    summary,
	})
	return mcp.NewToolResultText(string(payload)), nil
}

// backupTurn preserves a turn on disk when persistence fails, so the
// content survives a storage or provider outage.
func (s *Server) backupTurn(turn *memory.Turn) {
	if s.backupsDir == "" {
		return
	}
	if _, err := memory.WriteBackup(s.backupsDir, turn); err != nil {
		slog.Error("Local backup failed",
			"component", "server", "session_id", turn.SessionID, "error", err)
	}
}

func (s *Server) handleGetContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	defer s.metrics.observeCall("get_context", start)

	var args getContextArgs
	if err := decodeArgs(request, &args); err != nil {
		return s.toolError("get_context", err), nil
	}

	if strings.TrimSpace(args.Query) == "" {
		return s.toolError("get_context", fault.New(fault.InputInvalid, "server", "query is required")), nil
	}
	if len(args.Query) > maxContextQueryLen {
		return s.toolError("get_context", fault.Newf(fault.InputInvalid, "server",
			"query exceeds %d characters", maxContextQueryLen)), nil
	}
	if args.MaxResults < 0 || args.MaxResults > 50 {
		return s.toolError("get_context", fault.New(fault.InputInvalid, "server",
			"max_results must be in 1..50")), nil
	}
	if args.ContextWindow != 0 && (args.ContextWindow < 500 || args.ContextWindow > 8000) {
		return s.toolError("get_context", fault.New(fault.InputInvalid, "server",
			"context_window must be in 500..8000")), nil
	}

	var results []retrieval.Result
	err := s.withDBRetry(ctx, func(ctx context.Context) error {
		var retrieveErr error
		results, retrieveErr = s.engine.Retrieve(ctx, args.Query, retrieval.Options{
			MaxResults:         args.MaxResults,
			EnableNeuralRerank: args.EnableNeuralRerank,
		})
		return retrieveErr
	})
	if err != nil {
		return s.toolError("get_context", err), nil
	}

	contextWindow := args.ContextWindow
	if contextWindow == 0 {
		contextWindow = s.cfg.Retrieval.MaxContextTokens
	}

	payload, _ := json.Marshal(map[string]any{
		"context": retrieval.FormatContext(results, contextWindow),
		"metadata": map[string]any{
			"num_results":    len(results),
			"neural_rerank":  args.EnableNeuralRerank,
			"context_window": contextWindow,
		},
	})
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleSearchMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	defer s.metrics.observeCall("search_memory", start)

	var args searchMemoryArgs
	if err := decodeArgs(request, &args); err != nil {
		return s.toolError("search_memory", err), nil
	}

	if strings.TrimSpace(args.Query) == "" {
		return s.toolError("search_memory", fault.New(fault.InputInvalid, "server", "query is required")), nil
	}
	if len(args.Query) > maxSearchQueryLen {
		return s.toolError("search_memory", fault.Newf(fault.InputInvalid, "server",
			"query exceeds %d characters", maxSearchQueryLen)), nil
	}
	n := args.N
	if n == 0 {
		n = 5
	}
	if n < 1 || n > 20 {
		return s.toolError("search_memory", fault.New(fault.InputInvalid, "server", "n must be in 1..20")), nil
	}
	threshold := s.cfg.Retrieval.SimilarityThreshold
	if args.SimilarityThreshold != nil {
		threshold = *args.SimilarityThreshold
		if threshold < 0 || threshold > 1 {
			return s.toolError("search_memory", fault.New(fault.InputInvalid, "server",
				"similarity_threshold must be in 0..1")), nil
		}
	}

	queryEmbedding, err := s.embedder.EmbedWithContext(ctx, args.Query)
	if err != nil {
		return s.toolError("search_memory", err), nil
	}

	var memories []memory.StoredMemory
	err = s.withDBRetry(ctx, func(ctx context.Context) error {
		var searchErr error
		memories, searchErr = s.store.SearchVector(ctx, queryEmbedding, n)
		return searchErr
	})
	if err != nil {
		return s.toolError("search_memory", err), nil
	}

	type hit struct {
		Role    string  `json:"role"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	}
	hits := make([]hit, 0, len(memories))
	for _, m := range memories {
		if m.Similarity < threshold {
			continue
		}
		hits = append(hits, hit{Role: m.Role, Content: m.Content, Score: m.Similarity})
	}

	payload, _ := json.Marshal(map[string]any{"results": hits, "count": len(hits)})
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleGetMemoryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	defer s.metrics.observeCall("get_memory_stats", start)

	var args getMemoryStatsArgs
	if err := decodeArgs(request, &args); err != nil {
		return s.toolError("get_memory_stats", err), nil
	}

	var stats *memory.Stats
	err := s.withDBRetry(ctx, func(ctx context.Context) error {
		var statsErr error
		stats, statsErr = s.store.GetStats(ctx)
		return statsErr
	})
	if err != nil {
		return s.toolError("get_memory_stats", err), nil
	}

	response := map[string]any{"stats": stats}
	if args.IncludePerformance {
		performance := map[string]any{
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		}
		if s.engine != nil {
			size, hitRatio := s.engine.CacheStats()
			performance["cache_size"] = size
			performance["cache_hit_ratio"] = hitRatio
		}
		response["performance"] = performance
	}

	payload, _ := json.Marshal(response)
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleClearSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	defer s.metrics.observeCall("clear_session", start)

	var args clearSessionArgs
	if err := decodeArgs(request, &args); err != nil {
		return s.toolError("clear_session", err), nil
	}

	if _, err := uuid.Parse(args.SessionID); err != nil {
		return s.toolError("clear_session", fault.New(fault.InputInvalid, "server",
			"session_id must be a UUID")), nil
	}

	var deleted int64
	err := s.withDBRetry(ctx, func(ctx context.Context) error {
		var clearErr error
		deleted, clearErr = s.store.ClearSession(ctx, args.SessionID)
		return clearErr
	})
	if err != nil {
		return s.toolError("clear_session", err), nil
	}

	if s.engine != nil {
		s.engine.InvalidateSession(args.SessionID)
	}

	payload, _ := json.Marshal(map[string]any{
		"session_id": args.SessionID,
		"deleted":    deleted,
	})
	return mcp.NewToolResultText(string(payload)), nil
}
