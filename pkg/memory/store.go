package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/sagemem/sage/pkg/fault"
)

// Embedder is the slice of the embedding client the store consumes.
type Embedder interface {
	EmbedWithContext(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// maxContentBytes guards row size; longer content is truncated with a
// visible marker.
const maxContentBytes = 1 << 20

const truncationMarker = "\n...[content truncated]"

// Store persists turns as conversations rows with pgvector embeddings.
type Store struct {
	db       *sql.DB
	embedder Embedder

	dimension         int
	fallbackScanLimit int

	// vectorSearchOK flips to false when the vector operator is found
	// missing at query time, switching to the sequential-cosine fallback.
	// Atomic: queries flip it while concurrent saves read it.
	vectorSearchOK atomic.Bool
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Dimension         int
	FallbackScanLimit int
}

// SavedTurn reports what one Save committed.
type SavedTurn struct {
	SessionID string
	TurnIndex int
	MemoryIDs []int64
}

// NewStore wraps an open database handle. InitSchema must be called
// before first use.
func NewStore(db *sql.DB, embedder Embedder, opts StoreOptions) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.Dimension <= 0 {
		opts.Dimension = embedder.Dimension()
	}
	if opts.FallbackScanLimit <= 0 {
		opts.FallbackScanLimit = 1000
	}

	s := &Store{
		db:                db,
		embedder:          embedder,
		dimension:         opts.Dimension,
		fallbackScanLimit: opts.FallbackScanLimit,
	}
	s.vectorSearchOK.Store(true)
	return s, nil
}

// Open opens a Postgres pool and verifies connectivity.
func Open(dsn string, maxConns, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Wrapf(fault.StorageTransient, "store", err, "failed to connect to database")
	}

	return db, nil
}

// InitSchema creates the conversations table and its indexes. The vector
// extension is attempted but its absence is tolerated; vector search then
// degrades to the sequential fallback.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		slog.Warn("Vector extension unavailable, similarity search will use sequential fallback",
			"component", "store", "error", err)
		s.vectorSearchOK.Store(false)
	}

	embeddingType := fmt.Sprintf("vector(%d)", s.dimension)
	if !s.vectorSearchOK.Load() {
		embeddingType = "text"
	}

	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS conversations (
    id          bigserial PRIMARY KEY,
    session_id  uuid      NOT NULL DEFAULT gen_random_uuid(),
    turn_id     int       NOT NULL,
    role        varchar(50) NOT NULL,
    content     text      NOT NULL,
    embedding   %s,
    metadata    jsonb,
    is_agent_report boolean,
    agent_metadata  jsonb,
    created_at  timestamptz NOT NULL DEFAULT now()
)`, embeddingType)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fault.Wrapf(fault.StorageFatal, "store", err, "failed to create conversations table")
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_turn ON conversations (session_id, turn_id, role)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created_at ON conversations (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations (session_id)`,
	}
	if s.vectorSearchOK.Load() {
		indexes = append(indexes,
			`CREATE INDEX IF NOT EXISTS idx_conversations_embedding ON conversations USING ivfflat (embedding vector_cosine_ops)`)
	}

	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// ivfflat needs rows to build; its absence only costs speed.
			slog.Warn("Index creation failed", "component", "store", "error", err)
		}
	}

	return nil
}

// Save persists one turn as one or two rows (user side, assistant side)
// inside a single transaction: rows are inserted, the embedding for the
// turn's text is requested, the vector columns are updated, then the
// transaction commits. Any failure rolls the whole turn back.
func (s *Store) Save(ctx context.Context, turn *Turn) (*SavedTurn, error) {
	if err := turn.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sessionID := turn.SessionID

	turnIndex := turn.TurnIndex
	if turnIndex <= 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(turn_id), 0) + 1 FROM conversations WHERE session_id = $1`,
			sessionID,
		).Scan(&turnIndex); err != nil {
			return nil, s.classify(err, "failed to allocate turn index")
		}
	}

	metadataJSON, err := MarshalMetadata(turn.Metadata)
	if err != nil {
		return nil, fault.Wrap(fault.InputInvalid, "store", err)
	}

	var agentMetaJSON []byte
	isAgentReport := false
	if am, ok := turn.Metadata["agent_metadata"].(map[string]any); ok && len(am) > 0 {
		isAgentReport = true
		if agentMetaJSON, err = json.Marshal(am); err != nil {
			return nil, fault.Wrap(fault.InputInvalid, "store", err)
		}
	}

	type side struct {
		role    string
		content string
		agent   bool
	}
	var sides []side
	if turn.UserPrompt != "" {
		sides = append(sides, side{role: RoleUser, content: truncateContent(turn.UserPrompt)})
	}
	if turn.AssistantResponse != "" {
		sides = append(sides, side{role: RoleAssistant, content: truncateContent(turn.AssistantResponse), agent: isAgentReport})
	}

	ids := make([]int64, 0, len(sides))
	for _, sd := range sides {
		var agentMeta any
		if sd.agent && agentMetaJSON != nil {
			agentMeta = agentMetaJSON
		}

		var id int64
		err := tx.QueryRowContext(ctx, `
INSERT INTO conversations (session_id, turn_id, role, content, metadata, is_agent_report, agent_metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, turn_id, role)
DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata,
              is_agent_report = EXCLUDED.is_agent_report, agent_metadata = EXCLUDED.agent_metadata
RETURNING id`,
			sessionID, turnIndex, sd.role, sd.content, metadataJSON, sd.agent, agentMeta, turn.Timestamp,
		).Scan(&id)
		if err != nil {
			return nil, s.classify(err, "failed to insert conversation row")
		}
		ids = append(ids, id)
	}

	// One embedding covers the whole turn so a query can match either side.
	embedding, err := s.embedder.EmbedWithContext(ctx, turn.EmbeddingText())
	if err != nil {
		return nil, err
	}
	if len(embedding) != s.dimension {
		return nil, fault.Newf(fault.ProviderSchema, "store",
			"embedding dimension %d does not match configured %d", len(embedding), s.dimension)
	}

	literal := VectorLiteral(embedding)
	for _, id := range ids {
		updateSQL := `UPDATE conversations SET embedding = $1::vector WHERE id = $2`
		if !s.vectorSearchOK.Load() {
			updateSQL = `UPDATE conversations SET embedding = $1 WHERE id = $2`
		}
		if _, err := tx.ExecContext(ctx, updateSQL, literal, id); err != nil {
			return nil, s.classify(err, "failed to update embedding")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, s.classify(err, "failed to commit turn")
	}

	slog.Debug("Turn persisted",
		"component", "store",
		"session_id", sessionID,
		"turn_index", turnIndex,
		"rows", len(ids))

	return &SavedTurn{SessionID: sessionID, TurnIndex: turnIndex, MemoryIDs: ids}, nil
}

// SearchVector returns the memories nearest to the query embedding, best
// first, each carrying a similarity score in [0,1].
func (s *Store) SearchVector(ctx context.Context, queryEmbedding []float32, limit int) ([]StoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.vectorSearchOK.Load() {
		results, err := s.searchIndexed(ctx, queryEmbedding, limit)
		if err == nil {
			return results, nil
		}
		if !isVectorUnavailable(err) {
			return nil, err
		}
		slog.Warn("Vector search unavailable, switching to sequential fallback",
			"component", "store", "error", err)
		s.vectorSearchOK.Store(false)
	}

	return s.searchFallback(ctx, queryEmbedding, limit)
}

func (s *Store) searchIndexed(ctx context.Context, queryEmbedding []float32, limit int) ([]StoredMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, turn_id, role, content, metadata, created_at,
       embedding <=> $1::vector AS distance
FROM conversations
WHERE embedding IS NOT NULL
ORDER BY distance ASC
LIMIT $2`,
		VectorLiteral(queryEmbedding), limit)
	if err != nil {
		return nil, s.classify(err, "vector search failed")
	}
	defer rows.Close()

	var results []StoredMemory
	for rows.Next() {
		var m StoredMemory
		var metadataJSON []byte
		var distance float64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnIndex, &m.Role, &m.Content,
			&metadataJSON, &m.CreatedAt, &distance); err != nil {
			return nil, s.classify(err, "failed to scan search row")
		}
		m.Metadata = unmarshalMetadata(metadataJSON)
		m.Similarity = clampSimilarity(1 - distance/2)
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "error iterating search rows")
	}

	return results, nil
}

// searchFallback scans the most recent rows and ranks them by cosine
// similarity in process. Bounded by the configured scan limit.
func (s *Store) searchFallback(ctx context.Context, queryEmbedding []float32, limit int) ([]StoredMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, turn_id, role, content, metadata, created_at, embedding::text
FROM conversations
WHERE embedding IS NOT NULL
ORDER BY created_at DESC
LIMIT $1`,
		s.fallbackScanLimit)
	if err != nil {
		return nil, s.classify(err, "fallback scan failed")
	}
	defer rows.Close()

	var results []StoredMemory
	for rows.Next() {
		var m StoredMemory
		var metadataJSON []byte
		var embeddingText string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnIndex, &m.Role, &m.Content,
			&metadataJSON, &m.CreatedAt, &embeddingText); err != nil {
			return nil, s.classify(err, "failed to scan fallback row")
		}
		m.Metadata = unmarshalMetadata(metadataJSON)

		embedding, err := ParseVectorLiteral(embeddingText)
		if err != nil {
			continue
		}
		m.Similarity = clampSimilarity(CosineSimilarity(queryEmbedding, embedding))
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "error iterating fallback rows")
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// GetRecent returns the n most recently stored memories, newest first.
func (s *Store) GetRecent(ctx context.Context, n int) ([]StoredMemory, error) {
	if n <= 0 {
		n = 10
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, turn_id, role, content, metadata, created_at
FROM conversations
ORDER BY created_at DESC
LIMIT $1`, n)
	if err != nil {
		return nil, s.classify(err, "failed to query recent memories")
	}
	defer rows.Close()

	var results []StoredMemory
	for rows.Next() {
		var m StoredMemory
		var metadataJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnIndex, &m.Role, &m.Content,
			&metadataJSON, &m.CreatedAt); err != nil {
			return nil, s.classify(err, "failed to scan recent row")
		}
		m.Metadata = unmarshalMetadata(metadataJSON)
		results = append(results, m)
	}
	return results, rows.Err()
}

// GetStats returns the statistics block.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(DISTINCT session_id),
       COUNT(embedding),
       MIN(created_at),
       MAX(created_at)
FROM conversations`).Scan(
		&stats.Total, &stats.Sessions, &stats.WithEmbeddings,
		&nullableTime{&stats.Earliest}, &nullableTime{&stats.Latest})
	if err != nil {
		return nil, s.classify(err, "failed to query stats")
	}

	if stats.Earliest != nil && stats.Latest != nil {
		stats.Range = stats.Latest.Sub(*stats.Earliest).Round(time.Second).String()
	}

	return stats, nil
}

// ClearSession removes all memories of one session and reports how many
// rows went away.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, s.classify(err, "failed to clear session")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify(err, "failed to count deleted rows")
	}

	slog.Info("Session cleared", "component", "store", "session_id", sessionID, "deleted", deleted)
	return deleted, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps database errors onto the fault taxonomy so callers can
// decide about retries.
func (s *Store) classify(err error, msg string) error {
	kind := fault.StorageTransient

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01": // serialization, deadlock
			kind = fault.StorageTransient
		case pqErr.Code.Class() == "08" || pqErr.Code == "53300": // connection, too many connections
			kind = fault.StorageTransient
		case pqErr.Code == "42P01" || pqErr.Code.Class() == "42": // missing schema, syntax
			kind = fault.StorageFatal
		case pqErr.Code.Class() == "23": // constraint violations
			kind = fault.StorageFatal
		case pqErr.Code == "0A000": // feature not supported
			kind = fault.StorageFatal
		}
	} else if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		kind = fault.StorageTransient
	}

	return fault.Wrapf(kind, "store", err, "%s", msg)
}

// isVectorUnavailable recognises the errors Postgres raises when the
// vector extension or operator is missing.
func isVectorUnavailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// undefined_object, undefined_function, undefined_column type errors
		return pqErr.Code == "42704" || pqErr.Code == "42883" || pqErr.Code == "42P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "type \"vector\" does not exist") ||
		strings.Contains(msg, "operator does not exist")
}

func truncateContent(content string) string {
	if len(content) <= maxContentBytes {
		return content
	}
	slog.Warn("Content exceeds row-size guard, truncating",
		"component", "store", "size", len(content), "limit", maxContentBytes)
	return content[:maxContentBytes-len(truncationMarker)] + truncationMarker
}

func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func clampSimilarity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// VectorLiteral renders an embedding as the pgvector text literal.
func VectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseVectorLiteral parses the pgvector text representation.
func ParseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// 0 when either is zero or the dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// nullableTime scans a possibly-NULL timestamp into a *time.Time pointer.
type nullableTime struct {
	dest **time.Time
}

func (n *nullableTime) Scan(value any) error {
	if value == nil {
		*n.dest = nil
		return nil
	}
	t, ok := value.(time.Time)
	if !ok {
		return fmt.Errorf("cannot scan %T into time", value)
	}
	*n.dest = &t
	return nil
}

var _ sql.Scanner = (*nullableTime)(nil)
