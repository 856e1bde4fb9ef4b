package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/retrieval"
)

type fakeStore struct {
	saved      []*memory.Turn
	saveErr    error
	saveFails  int
	searchHits []memory.StoredMemory
	cleared    []string
}

func (f *fakeStore) Save(ctx context.Context, turn *memory.Turn) (*memory.SavedTurn, error) {
	if f.saveFails > 0 {
		f.saveFails--
		return nil, fault.New(fault.StorageTransient, "memory", "deadlock detected")
	}
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, turn)
	return &memory.SavedTurn{SessionID: turn.SessionID, TurnIndex: len(f.saved), MemoryIDs: []int64{1, 2}}, nil
}

func (f *fakeStore) SearchVector(ctx context.Context, embedding []float32, limit int) ([]memory.StoredMemory, error) {
	return f.searchHits, nil
}

func (f *fakeStore) GetStats(ctx context.Context) (*memory.Stats, error) {
	return &memory.Stats{Total: 42, Sessions: 3, WithEmbeddings: 42}, nil
}

func (f *fakeStore) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	f.cleared = append(f.cleared, sessionID)
	return 7, nil
}

type fakeEngine struct {
	results     []retrieval.Result
	invalidated []string
}

func (f *fakeEngine) Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error) {
	return f.results, nil
}

func (f *fakeEngine) InvalidateSession(sessionID string) {
	f.invalidated = append(f.invalidated, sessionID)
}

func (f *fakeEngine) CacheStats() (int, float64) {
	return 3, 0.5
}

type fakeQueryEmbedder struct{}

func (fakeQueryEmbedder) EmbedWithContext(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func newTestServer(t *testing.T, store *fakeStore, engine *fakeEngine) *Server {
	t.Helper()
	t.Setenv("SAGE_CONFIG_DIR", t.TempDir())
	cfg := &config.Config{}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Server.Host = "127.0.0.1"
	cfg.Retrieval.SimilarityThreshold = 0.3
	cfg.Retrieval.MaxContextTokens = 2000
	s := New(cfg, store, engine, fakeQueryEmbedder{})
	s.retryBase = time.Millisecond
	return s
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

const testSession = "11111111-1111-1111-1111-111111111111"

func TestSaveConversation(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeEngine{}
	s := newTestServer(t, store, engine)

	result, err := s.handleSaveConversation(context.Background(), callRequest(map[string]any{
		"user_prompt":        "remember this",
		"assistant_response": "noted",
		"session_id":         testSession,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var response map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &response))
	assert.Equal(t, testSession, response["session_id"])
	assert.Contains(t, response["summary"], "Saved turn")

	require.Len(t, store.saved, 1)
	assert.Equal(t, "mcp", store.saved[0].Source())
	assert.Equal(t, []string{testSession}, engine.invalidated)
}

func TestSaveConversationGeneratesSessionID(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(t, store, &fakeEngine{})

	result, err := s.handleSaveConversation(context.Background(), callRequest(map[string]any{
		"assistant_response": "Tool execution result: Success (exit=0)",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, store.saved, 1)
	assert.NotEmpty(t, store.saved[0].SessionID)
}

func TestSaveConversationValidation(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})

	cases := []map[string]any{
		{},
		{"user_prompt": string(make([]byte, maxUserPromptLen+1))},
		{"user_prompt": "p", "session_id": "not-a-uuid"},
	}
	for _, args := range cases {
		result, err := s.handleSaveConversation(context.Background(), callRequest(args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestSaveConversationBacksUpOnStorageFailure(t *testing.T) {
	store := &fakeStore{saveErr: fault.New(fault.StorageFatal, "memory", "relation does not exist")}
	s := newTestServer(t, store, &fakeEngine{})

	result, err := s.handleSaveConversation(context.Background(), callRequest(map[string]any{
		"user_prompt":        "keep this",
		"assistant_response": "kept",
		"session_id":         testSession,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	pattern := filepath.Join(s.backupsDir, "conversation_"+testSession+"_*.json")
	backups, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, backups, 1)

	turn, err := memory.ReadBackup(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "keep this", turn.UserPrompt)
	assert.Equal(t, "kept", turn.AssistantResponse)

	// Validation failures never reach the backup path.
	result, err = s.handleSaveConversation(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	backups, err = filepath.Glob(pattern)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestWithDBRetry(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})

	attempts := 0
	err := s.withDBRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return fault.New(fault.StorageTransient, "memory", "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithDBRetryDoesNotRetryFatal(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})

	attempts := 0
	err := s.withDBRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fault.New(fault.StorageFatal, "memory", "relation does not exist")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestGetContext(t *testing.T) {
	engine := &fakeEngine{results: []retrieval.Result{
		{Content: "past discussion about indexes", Role: "assistant", FinalScore: 0.9},
	}}
	s := newTestServer(t, &fakeStore{}, engine)

	result, err := s.handleGetContext(context.Background(), callRequest(map[string]any{
		"query": "index tuning",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var response map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &response))
	assert.Contains(t, response["context"], "past discussion about indexes")

	metadata, ok := response["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), metadata["num_results"])
}

func TestGetContextValidation(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})

	cases := []map[string]any{
		{},
		{"query": "q", "max_results": 51},
		{"query": "q", "context_window": 100},
		{"query": string(make([]byte, maxContextQueryLen+1))},
	}
	for _, args := range cases {
		result, err := s.handleGetContext(context.Background(), callRequest(args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestSearchMemoryAppliesThreshold(t *testing.T) {
	store := &fakeStore{searchHits: []memory.StoredMemory{
		{Role: "user", Content: "relevant", Similarity: 0.8},
		{Role: "assistant", Content: "weak", Similarity: 0.1},
	}}
	s := newTestServer(t, store, &fakeEngine{})

	result, err := s.handleSearchMemory(context.Background(), callRequest(map[string]any{
		"query": "anything",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var response struct {
		Results []struct {
			Role    string  `json:"role"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &response))
	require.Equal(t, 1, response.Count)
	assert.Equal(t, "relevant", response.Results[0].Content)
}

func TestGetMemoryStats(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})

	result, err := s.handleGetMemoryStats(context.Background(), callRequest(map[string]any{
		"include_performance": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, `"total":42`)
	assert.Contains(t, text, "uptime_seconds")
	assert.Contains(t, text, `"cache_size":3`)
	assert.Contains(t, text, `"cache_hit_ratio":0.5`)
}

func TestClearSession(t *testing.T) {
	store := &fakeStore{}
	engine := &fakeEngine{}
	s := newTestServer(t, store, engine)

	result, err := s.handleClearSession(context.Background(), callRequest(map[string]any{
		"session_id": testSession,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{testSession}, store.cleared)
	assert.Equal(t, []string{testSession}, engine.invalidated)

	result, err = s.handleClearSession(context.Background(), callRequest(map[string]any{
		"session_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolSchemasAreValidJSON(t *testing.T) {
	for _, args := range []any{
		&saveConversationArgs{}, &getContextArgs{}, &searchMemoryArgs{},
		&getMemoryStatsArgs{}, &clearSessionArgs{},
	} {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(toolSchema(args), &schema))
		assert.Equal(t, "object", schema["type"])
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, &fakeEngine{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sage_")
}
