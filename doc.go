// Package sage is a conversational-memory service for assistant CLIs.
//
// Sage captures tool-call activity through lifecycle hooks, assembles
// finished turns from session transcripts, and persists them with
// embeddings into Postgres + pgvector. Stored memory is served back
// through an MCP tool server with hybrid semantic, temporal, contextual
// and keyword ranking, optional neural reranking, and a diversity
// filter.
//
// # Quick Start
//
// Install sage:
//
//	go install github.com/sagemem/sage/cmd/sage@latest
//
// Start the tool server over stdio:
//
//	sage serve --config sage.yaml
//
// Or over HTTP:
//
//	sage serve --transport http --port 17800
//
// Wire the hook commands into the host's tool lifecycle:
//
//	sage hook pre   # before each tool call
//	sage hook post  # after each tool call
//	sage hook stop  # at turn end; persists the turn
//
// # Packages
//
//   - pkg/hooks: hook capture, aggregation and the stop pipeline
//   - pkg/hookstate: flock-protected shared hook rendezvous files
//   - pkg/transcript: JSONL and plain-text transcript parsing
//   - pkg/memory: Postgres + pgvector turn storage
//   - pkg/retrieval: hybrid-ranked context retrieval
//   - pkg/server: the MCP tool server
package sage
