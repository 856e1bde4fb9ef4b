// Package server exposes the memory service as an MCP tool server over
// stdio and an optional HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/retrieval"
)

// Version is stamped at build time.
var Version = "dev"

// Store is the storage surface the tool handlers need.
type Store interface {
	Save(ctx context.Context, turn *memory.Turn) (*memory.SavedTurn, error)
	SearchVector(ctx context.Context, queryEmbedding []float32, limit int) ([]memory.StoredMemory, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	ClearSession(ctx context.Context, sessionID string) (int64, error)
}

// Retriever runs the ranked-context pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error)
	InvalidateSession(sessionID string)
	CacheStats() (size int, hitRatio float64)
}

// Embedder embeds search queries.
type Embedder interface {
	EmbedWithContext(ctx context.Context, text string) ([]float32, error)
}

// Server wires the tool handlers into an MCP server.
type Server struct {
	cfg      *config.Config
	store    Store
	engine   Retriever
	embedder Embedder
	metrics  *Metrics

	mcp       *mcpserver.MCPServer
	registry  *prometheus.Registry
	startedAt time.Time

	// backupsDir receives turns that could not be persisted; empty when
	// the directory could not be resolved.
	backupsDir string

	// retryBase is the first retry delay; doubled per attempt.
	retryBase time.Duration
}

func New(cfg *config.Config, store Store, engine Retriever, embedder Embedder) *Server {
	registry := prometheus.NewRegistry()

	backupsDir, err := config.BackupsDir()
	if err != nil {
		slog.Warn("Backups directory unavailable, failed saves will not be preserved locally",
			"component", "server", "error", err)
		backupsDir = ""
	}

	s := &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		embedder:   embedder,
		metrics:    NewMetrics(registry),
		registry:   registry,
		startedAt:  time.Now(),
		retryBase:  time.Second,
		backupsDir: backupsDir,
	}

	s.mcp = mcpserver.NewMCPServer("sage", Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewToolWithRawSchema("save_conversation",
			"Persist one user/assistant turn into conversational memory.",
			toolSchema(&saveConversationArgs{})),
		s.withTimeout(s.handleSaveConversation))

	s.mcp.AddTool(
		mcp.NewToolWithRawSchema("get_context",
			"Retrieve ranked, token-budgeted context for a query.",
			toolSchema(&getContextArgs{})),
		s.withTimeout(s.handleGetContext))

	s.mcp.AddTool(
		mcp.NewToolWithRawSchema("search_memory",
			"Plain vector similarity search over stored memories.",
			toolSchema(&searchMemoryArgs{})),
		s.withTimeout(s.handleSearchMemory))

	s.mcp.AddTool(
		mcp.NewToolWithRawSchema("get_memory_stats",
			"Memory statistics: totals, sessions, embedding coverage, time range.",
			toolSchema(&getMemoryStatsArgs{})),
		s.withTimeout(s.handleGetMemoryStats))

	s.mcp.AddTool(
		mcp.NewToolWithRawSchema("clear_session",
			"Delete every memory of one session.",
			toolSchema(&clearSessionArgs{})),
		s.withTimeout(s.handleClearSession))
}

// withTimeout bounds each tool call's wall clock.
func (s *Server) withTimeout(handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		timeout := s.cfg.Server.HandlerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, request)
	}
}

// ServeStdio blocks serving line-delimited JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	slog.Info("Serving MCP over stdio", "component", "server")
	return mcpserver.ServeStdio(s.mcp)
}

// Router builds the HTTP surface: the streamable MCP endpoint plus
// health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Mount("/mcp", mcpserver.NewStreamableHTTPServer(s.mcp))

	return r
}

// ListenAndServe serves the HTTP surface until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Serving MCP over HTTP", "component", "server", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
